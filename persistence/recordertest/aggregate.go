package recordertest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	"pgregory.net/rapid"
)

// NewAggregateRecorderFunc constructs the recorder under test, with its
// schema already created. The recorder is closed by the suite when the test
// completes.
type NewAggregateRecorderFunc func(t *testing.T) persistence.AggregateRecorder

// RunAggregateTests runs the acceptance suite for the aggregate recorder
// contract.
func RunAggregateTests(t *testing.T, newRecorder NewAggregateRecorderFunc) {
	t.Run("it round-trips a single event", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		ev := persistence.StoredEvent{
			OriginatorID:      uuid.MustParse("b2723fe2-c01a-40d2-875e-a3aac6a09ff5"),
			OriginatorVersion: 1,
			Topic:             "eventsourcing.model:DomainEvent",
			State:             []byte("{}"),
		}

		recordings, err := rec.InsertEvents(ctx, []persistence.StoredEvent{ev})
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected recording count", len(recordings), 1)
		test.Expect(t, "unexpected originator", recordings[0].OriginatorID, ev.OriginatorID)

		events, err := rec.SelectEvents(ctx, ev.OriginatorID)
		test.ExpectSuccess(t, err)
		test.Expect(
			t,
			"unexpected events",
			events,
			[]persistence.StoredEvent{ev},
		)
	})

	t.Run("it rejects a reused originator version", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		id := uuid.New()
		ev := storedEvent(id, 1)

		_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{ev})
		test.ExpectSuccess(t, err)

		_, err = rec.InsertEvents(ctx, []persistence.StoredEvent{ev})
		if !persistence.IsVersionConflict(err) {
			t.Fatalf("expected a version conflict, got %v", err)
		}

		events, err := rec.SelectEvents(ctx, id)
		test.ExpectSuccess(t, err)
		test.Expect(t, "conflicting insert must not add events", len(events), 1)
	})

	t.Run("it inserts batches atomically", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		id := uuid.New()
		_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(id, 1)})
		test.ExpectSuccess(t, err)

		// The second element of this batch conflicts, so the first must not
		// be inserted either.
		_, err = rec.InsertEvents(ctx, []persistence.StoredEvent{
			storedEvent(id, 2),
			storedEvent(id, 1),
		})
		if !persistence.IsVersionConflict(err) {
			t.Fatalf("expected a version conflict, got %v", err)
		}

		events, err := rec.SelectEvents(ctx, id)
		test.ExpectSuccess(t, err)
		test.Expect(t, "failed batch must insert nothing", len(events), 1)
	})

	t.Run("it applies bounds, direction and limit", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		id := uuid.New()
		var all []persistence.StoredEvent
		for v := int64(1); v <= 10; v++ {
			all = append(all, storedEvent(id, v))
		}
		_, err := rec.InsertEvents(ctx, all)
		test.ExpectSuccess(t, err)

		events, err := rec.SelectEvents(
			ctx,
			id,
			persistence.AfterVersion(2),
			persistence.UpToVersion(8),
		)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected bounded selection", versionsOf(events), []int64{3, 4, 5, 6, 7, 8})

		events, err = rec.SelectEvents(
			ctx,
			id,
			persistence.AfterVersion(2),
			persistence.UpToVersion(8),
			persistence.Descending(),
			persistence.Limit(3),
		)
		test.ExpectSuccess(t, err)
		test.Expect(t, "bounds are applied before direction and limit", versionsOf(events), []int64{8, 7, 6})

		events, err = rec.SelectEvents(ctx, id, persistence.Limit(2))
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected limited selection", versionsOf(events), []int64{1, 2})
	})

	t.Run("it returns nothing for an unknown originator", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		events, err := rec.SelectEvents(ctx, uuid.New())
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected events", len(events), 0)
	})

	t.Run("it keeps each aggregate sequence gapless and duplicate-free", func(t *testing.T) {
		// No deadline here: the property check may legitimately outlast the
		// default test context against a remote store.
		ctx := context.Background()
		rec := open(t, newRecorder)

		rapid.Check(t, func(rt *rapid.T) {
			id := uuid.New()
			inserted := 0

			n := rapid.IntRange(1, 10).Draw(rt, "batches")
			for b := 0; b < n; b++ {
				// Either continue the prefix or deliberately collide with an
				// already-inserted version.
				collide := inserted > 0 && rapid.Bool().Draw(rt, "collide")

				var batch []persistence.StoredEvent
				if collide {
					v := int64(rapid.IntRange(0, inserted-1).Draw(rt, "version"))
					batch = []persistence.StoredEvent{storedEvent(id, v)}
				} else {
					size := rapid.IntRange(1, 3).Draw(rt, "size")
					for i := 0; i < size; i++ {
						batch = append(batch, storedEvent(id, int64(inserted+i)))
					}
				}

				_, err := rec.InsertEvents(ctx, batch)
				if collide {
					if !persistence.IsVersionConflict(err) {
						rt.Fatalf("expected a version conflict, got %v", err)
					}
				} else {
					if err != nil {
						rt.Fatalf("unexpected error: %s", err)
					}
					inserted += len(batch)
				}
			}

			events, err := rec.SelectEvents(ctx, id)
			if err != nil {
				rt.Fatalf("unexpected error: %s", err)
			}
			if len(events) != inserted {
				rt.Fatalf("expected %d events, got %d", inserted, len(events))
			}
			for i, ev := range events {
				if ev.OriginatorVersion != int64(i) {
					rt.Fatalf("expected a gapless prefix, got version %d at index %d", ev.OriginatorVersion, i)
				}
			}
		})
	})
}

func open[R interface{ Close() error }](t *testing.T, newRecorder func(t *testing.T) R) R {
	t.Helper()
	rec := newRecorder(t)
	t.Cleanup(func() {
		if err := rec.Close(); err != nil {
			t.Errorf("cannot close recorder: %s", err)
		}
	})
	return rec
}

func storedEvent(id uuid.UUID, version int64) persistence.StoredEvent {
	return persistence.StoredEvent{
		OriginatorID:      id,
		OriginatorVersion: version,
		Topic:             "recordertest:Event",
		State:             []byte(fmt.Sprintf(`{"version":%d}`, version)),
	}
}

func versionsOf(events []persistence.StoredEvent) []int64 {
	versions := make([]int64, len(events))
	for i, ev := range events {
		versions[i] = ev.OriginatorVersion
	}
	return versions
}
