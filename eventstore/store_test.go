package eventstore_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/tessellic/annal/eventstore"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	"github.com/tessellic/annal/persistence/driver/memory"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()

	rec := memory.NewApplicationRecorder()
	t.Cleanup(func() { rec.Close() })

	store, err := NewWithSubscriptions("carts", newMapper(t), rec)
	test.ExpectSuccess(t, err)
	return store
}

func cartEvent(id uuid.UUID, version int64, sku string) itemAdded {
	e := sampleEvent()
	e.ID = id
	e.Version = version
	e.SKU = sku
	return e
}

func TestEventStore_putAndGet(t *testing.T) {
	ctx := test.Context(t)
	store := newTestStore(t)

	id := uuid.New()
	events := []DomainEvent{
		cartEvent(id, 1, "SKU-1"),
		cartEvent(id, 2, "SKU-2"),
	}

	recordings, err := store.Put(ctx, events)
	test.ExpectSuccess(t, err)
	test.Expect(t, "unexpected recording count", len(recordings), 2)
	test.Expect(t, "unexpected notification ID", recordings[1].NotificationID, int64(2))

	it, err := store.Get(ctx, id)
	test.ExpectSuccess(t, err)

	decoded, err := it.Collect()
	test.ExpectSuccess(t, err)
	test.Expect(t, "unexpected event count", len(decoded), 2)
	test.Expect(t, "unexpected first event", decoded[0].(itemAdded).SKU, "SKU-1")
	test.Expect(t, "unexpected second event", decoded[1].(itemAdded).SKU, "SKU-2")

	// Bounds pass through to the recorder.
	it, err = store.Get(ctx, id, persistence.AfterVersion(1))
	test.ExpectSuccess(t, err)
	decoded, err = it.Collect()
	test.ExpectSuccess(t, err)
	test.Expect(t, "unexpected bounded event count", len(decoded), 1)
	test.Expect(t, "unexpected bounded event", decoded[0].(itemAdded).SKU, "SKU-2")
}

func TestEventStore_putIsAllOrNothing(t *testing.T) {
	ctx := test.Context(t)
	store := newTestStore(t)

	type unregistered struct{ EventBase }

	id := uuid.New()
	_, err := store.Put(ctx, []DomainEvent{
		cartEvent(id, 1, "SKU-1"),
		unregistered{}, // mapping fails
	})
	if err == nil {
		t.Fatal("expected a mapping error")
	}

	// The mappable event must not have been written.
	it, err := store.Get(ctx, id)
	test.ExpectSuccess(t, err)
	decoded, err := it.Collect()
	test.ExpectSuccess(t, err)
	test.Expect(t, "no partial writes", len(decoded), 0)
}

func TestEventStore_putReportsVersionConflicts(t *testing.T) {
	ctx := test.Context(t)
	store := newTestStore(t)

	id := uuid.New()
	_, err := store.Put(ctx, []DomainEvent{cartEvent(id, 1, "SKU-1")})
	test.ExpectSuccess(t, err)

	_, err = store.Put(ctx, []DomainEvent{cartEvent(id, 1, "SKU-1b")})
	if !persistence.IsVersionConflict(err) {
		t.Fatalf("expected a version conflict, got %v", err)
	}
}

func TestEventStore_subscribeYieldsEventsWithTracking(t *testing.T) {
	ctx := test.Context(t)
	store := newTestStore(t)

	_, err := store.Put(ctx, []DomainEvent{cartEvent(uuid.New(), 1, "SKU-1")})
	test.ExpectSuccess(t, err)

	sub, err := store.Subscribe(ctx)
	test.ExpectSuccess(t, err)
	defer sub.Stop()

	event, tracking, ok, err := sub.Next(ctx)
	test.ExpectSuccess(t, err)
	test.Expect(t, "subscription terminated early", ok, true)
	test.Expect(t, "unexpected event", event.(itemAdded).SKU, "SKU-1")
	test.Expect(t, "unexpected tracking", tracking, persistence.Tracking{
		ApplicationName: "carts",
		NotificationID:  1,
	})

	// Stop wakes a blocked Next promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, ok, err := sub.Next(ctx)
		if err != nil || ok {
			t.Errorf("expected end of stream, got ok=%v err=%v", ok, err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	sub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopped subscription did not wake")
	}
}

func TestNewWithSubscriptions_reportsCapabilityAtConstruction(t *testing.T) {
	rec := memory.NewAggregateRecorder()
	t.Cleanup(func() { rec.Close() })

	_, err := NewWithSubscriptions("carts", newMapper(t), rec)

	var capErr *persistence.CapabilityError
	if !errors.As(err, &capErr) || capErr.Kind != persistence.CapabilitySubscribe {
		t.Fatalf("expected a capability error, got %v", err)
	}

	// The plain constructor accepts the same recorder, but its subscription
	// surface reports the same error.
	store := New("carts", newMapper(t), rec)
	if _, err := store.Subscribe(test.Context(t)); !errors.As(err, &capErr) {
		t.Fatalf("expected a capability error, got %v", err)
	}
}
