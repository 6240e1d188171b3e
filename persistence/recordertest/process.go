package recordertest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
)

// NewProcessRecorderFunc constructs the recorder under test, with its schema
// already created.
type NewProcessRecorderFunc func(t *testing.T) persistence.ProcessRecorder

// RunProcessTests runs the acceptance suite for the process recorder
// contract, including the application and tracking contracts it subsumes.
func RunProcessTests(t *testing.T, newRecorder NewProcessRecorderFunc) {
	RunApplicationTests(t, func(t *testing.T) persistence.ApplicationRecorder {
		return newRecorder(t)
	})

	RunTrackingTests(t, func(t *testing.T) persistence.TrackingRecorder {
		return processAsTracking{newRecorder(t)}
	})

	t.Run("it commits events and tracking atomically", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		id := uuid.New()
		tracking := persistence.Tracking{ApplicationName: "upstream", NotificationID: 21}

		_, err := rec.InsertEvents(
			ctx,
			[]persistence.StoredEvent{storedEvent(id, 1)},
			persistence.WithTracking(tracking),
		)
		test.ExpectSuccess(t, err)

		ok, err := rec.HasTrackingID(ctx, "upstream", 21)
		test.ExpectSuccess(t, err)
		test.Expect(t, "tracking must be visible after commit", ok, true)

		// Reusing the cursor must fail, and must roll back the events that
		// were part of the same call.
		_, err = rec.InsertEvents(
			ctx,
			[]persistence.StoredEvent{storedEvent(id, 2)},
			persistence.WithTracking(tracking),
		)
		if !persistence.IsTrackingConflict(err) {
			t.Fatalf("expected a tracking conflict, got %v", err)
		}

		events, err := rec.SelectEvents(ctx, id)
		test.ExpectSuccess(t, err)
		test.Expect(t, "failed insert must leave existing rows unchanged", versionsOf(events), []int64{1})

		max, err := rec.MaxNotificationID(ctx)
		test.ExpectSuccess(t, err)
		test.Expect(t, "rolled-back events must not be visible as notifications", max, int64(1))
	})

	t.Run("it accepts events without tracking", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		_, err := rec.InsertEvents(ctx, []persistence.StoredEvent{storedEvent(uuid.New(), 1)})
		test.ExpectSuccess(t, err)
	})
}

// processAsTracking narrows a process recorder to the tracking contract so
// the tracking suite can run against it.
type processAsTracking struct {
	persistence.ProcessRecorder
}

var _ persistence.TrackingRecorder = processAsTracking{}
