package memory_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	. "github.com/tessellic/annal/persistence/driver/memory"
	"github.com/tessellic/annal/persistence/recordertest"
)

func TestAggregateRecorder(t *testing.T) {
	recordertest.RunAggregateTests(
		t,
		func(t *testing.T) persistence.AggregateRecorder {
			return NewAggregateRecorder()
		},
	)
}

func TestApplicationRecorder(t *testing.T) {
	recordertest.RunApplicationTests(
		t,
		func(t *testing.T) persistence.ApplicationRecorder {
			return NewApplicationRecorder()
		},
	)
}

func TestTrackingRecorder(t *testing.T) {
	recordertest.RunTrackingTests(
		t,
		func(t *testing.T) persistence.TrackingRecorder {
			return NewTrackingRecorder()
		},
	)
}

func TestProcessRecorder(t *testing.T) {
	recordertest.RunProcessTests(
		t,
		func(t *testing.T) persistence.ProcessRecorder {
			return NewProcessRecorder()
		},
	)
}

func TestAggregateRecorder_rejectsTracking(t *testing.T) {
	ctx := test.Context(t)
	rec := NewAggregateRecorder()
	defer rec.Close()

	_, err := rec.InsertEvents(
		ctx,
		[]persistence.StoredEvent{{
			OriginatorID:      uuid.New(),
			OriginatorVersion: 1,
			Topic:             "memory:Event",
			State:             []byte("{}"),
		}},
		persistence.WithTracking(persistence.Tracking{
			ApplicationName: "upstream",
			NotificationID:  1,
		}),
	)
	if err == nil {
		t.Fatal("expected an error when passing tracking to an aggregate recorder")
	}
}

func TestApplicationRecorder_closeTerminatesSubscriptions(t *testing.T) {
	ctx := test.Context(t)
	rec := NewApplicationRecorder()

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
			t.Error("subscription must terminate when the recorder closes")
		}
	}()

	time.Sleep(50 * time.Millisecond)
	test.ExpectSuccess(t, rec.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription did not terminate after close")
	}
}
