package recordertest

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
)

// NewApplicationRecorderFunc constructs the recorder under test, with its
// schema already created.
type NewApplicationRecorderFunc func(t *testing.T) persistence.ApplicationRecorder

// RunApplicationTests runs the acceptance suite for the application recorder
// contract, including the aggregate contract it subsumes.
func RunApplicationTests(t *testing.T, newRecorder NewApplicationRecorderFunc) {
	RunAggregateTests(t, func(t *testing.T) persistence.AggregateRecorder {
		return newRecorder(t)
	})

	t.Run("it assigns dense notification IDs in insertion order", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		const n = 25
		for i := 0; i < n; i++ {
			recordings, err := rec.InsertEvents(
				ctx,
				[]persistence.StoredEvent{storedEvent(uuid.New(), 1)},
			)
			test.ExpectSuccess(t, err)
			test.Expect(t, "unexpected notification ID", recordings[0].NotificationID, int64(i+1))
		}

		notifications, err := rec.SelectNotifications(ctx, 1, n)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected notification count", len(notifications), n)
		for i, notification := range notifications {
			test.Expect(t, "notification IDs must be dense", notification.ID, int64(i+1))
		}

		max, err := rec.MaxNotificationID(ctx)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected maximum notification ID", max, int64(n))
	})

	t.Run("it allocates no notification IDs for failed inserts", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		id := uuid.New()
		_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(id, 1)})
		test.ExpectSuccess(t, err)

		_, err = rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(id, 1)})
		if !persistence.IsVersionConflict(err) {
			t.Fatalf("expected a version conflict, got %v", err)
		}

		// The next successful insert must continue the dense sequence.
		recordings, err := rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(uuid.New(), 1)})
		test.ExpectSuccess(t, err)
		test.Expect(t, "failed inserts must not consume IDs", recordings[0].NotificationID, int64(2))
	})

	t.Run("it honors the stop bound and topic filter", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		topics := []string{"recordertest:A", "recordertest:B", "recordertest:A", "recordertest:C"}
		for _, topic := range topics {
			ev := storedEvent(uuid.New(), 1)
			ev.Topic = topic
			_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{ev})
			test.ExpectSuccess(t, err)
		}

		notifications, err := rec.SelectNotifications(
			ctx,
			1,
			10,
			persistence.UpToNotificationID(3),
		)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected stop-bounded IDs", idsOf(notifications), []int64{1, 2, 3})

		notifications, err = rec.SelectNotifications(
			ctx,
			1,
			10,
			persistence.MatchingTopics("recordertest:A"),
		)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected topic-filtered IDs", idsOf(notifications), []int64{1, 3})
	})

	t.Run("it catches up then tails live events", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		for i := 0; i < 3; i++ {
			_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(uuid.New(), 1)})
			test.ExpectSuccess(t, err)
		}

		sub, err := rec.Subscribe(ctx)
		test.ExpectSuccess(t, err)
		defer sub.Stop()

		for i := int64(1); i <= 3; i++ {
			n, ok, err := sub.Next(ctx)
			test.ExpectSuccess(t, err)
			test.Expect(t, "subscription terminated early", ok, true)
			test.Expect(t, "unexpected notification ID", n.ID, i)
		}

		// The subscription is now at the live tail; a new insert must wake
		// it within the bounded poll interval.
		_, err = rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(uuid.New(), 1)})
		test.ExpectSuccess(t, err)

		n, ok, err := sub.Next(ctx)
		test.ExpectSuccess(t, err)
		test.Expect(t, "subscription terminated early", ok, true)
		test.Expect(t, "unexpected tailed notification ID", n.ID, int64(4))

		sub.Stop()
		_, ok, err = sub.Next(ctx)
		test.ExpectSuccess(t, err)
		test.Expect(t, "stopped subscription must report end of stream", ok, false)
	})

	t.Run("it starts a subscription after the given position", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		for i := 0; i < 5; i++ {
			_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(uuid.New(), 1)})
			test.ExpectSuccess(t, err)
		}

		sub, err := rec.Subscribe(ctx, persistence.FromNotificationID(3))
		test.ExpectSuccess(t, err)
		defer sub.Stop()

		n, ok, err := sub.Next(ctx)
		test.ExpectSuccess(t, err)
		test.Expect(t, "subscription terminated early", ok, true)
		test.Expect(t, "unexpected first notification", n.ID, int64(4))
	})

	t.Run("it wakes a blocked subscription on stop", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		sub, err := rec.Subscribe(ctx)
		test.ExpectSuccess(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, ok, err := sub.Next(ctx)
			if err != nil {
				t.Errorf("unexpected error: %s", err)
			}
			if ok {
				t.Error("stopped subscription must report end of stream")
			}
		}()

		// Give Next a moment to reach the blocking wait before stopping.
		time.Sleep(50 * time.Millisecond)
		sub.Stop()
		sub.Stop() // stop is idempotent

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("blocked subscription did not wake after stop")
		}
	})

	t.Run("it serializes concurrent writers into a dense sequence", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		const (
			writers          = 2
			eventsPerWriter  = 100
			expectedSequence = writers * eventsPerWriter
		)

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < eventsPerWriter; i++ {
					if _, err := rec.InsertEvents(
						ctx,
						[]persistence.StoredEvent{storedEvent(uuid.New(), 1)},
					); err != nil {
						errs <- err
						return
					}
				}
			}()
		}

		// A tailer runs while the writers race, verifying that observed IDs
		// are strictly ascending with nothing skipped.
		sub, err := rec.Subscribe(ctx)
		test.ExpectSuccess(t, err)
		tailed := make(chan error, 1)
		go func() {
			var last int64
			for {
				n, ok, err := sub.Next(ctx)
				if err != nil || !ok {
					tailed <- err
					return
				}
				if n.ID != last+1 {
					t.Errorf("tailer observed ID %d after %d", n.ID, last)
				}
				last = n.ID
				if last == expectedSequence {
					tailed <- nil
					return
				}
			}
		}()

		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("writer failed: %s", err)
		}

		select {
		case err := <-tailed:
			test.ExpectSuccess(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("tailer did not observe the full sequence")
		}
		sub.Stop()

		notifications, err := rec.SelectNotifications(ctx, 1, expectedSequence*2)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unexpected notification count", len(notifications), expectedSequence)
		for i, notification := range notifications {
			test.Expect(t, "notification IDs must be dense", notification.ID, int64(i+1))
		}
	})
}

func idsOf(notifications []persistence.Notification) []int64 {
	ids := make([]int64, len(notifications))
	for i, n := range notifications {
		ids[i] = n.ID
	}
	return ids
}
