package recordertest

import (
	"testing"
	"time"

	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
)

// NewTrackingRecorderFunc constructs the recorder under test, with its
// schema already created.
type NewTrackingRecorderFunc func(t *testing.T) persistence.TrackingRecorder

// RunTrackingTests runs the acceptance suite for the tracking recorder
// contract.
func RunTrackingTests(t *testing.T, newRecorder NewTrackingRecorderFunc) {
	t.Run("it records each notification at most once per application", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		tracking := persistence.Tracking{ApplicationName: "upstream", NotificationID: 21}

		test.ExpectSuccess(t, rec.InsertTracking(ctx, tracking))

		err := rec.InsertTracking(ctx, tracking)
		if !persistence.IsTrackingConflict(err) {
			t.Fatalf("expected a tracking conflict, got %v", err)
		}

		// The same position is free for a differently named consumer.
		test.ExpectSuccess(t, rec.InsertTracking(ctx, persistence.Tracking{
			ApplicationName: "other",
			NotificationID:  21,
		}))
	})

	t.Run("it reports the highest recorded position", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		_, ok, err := rec.MaxTrackingID(ctx, "upstream")
		test.ExpectSuccess(t, err)
		test.Expect(t, "no position must be reported before any insert", ok, false)

		for _, id := range []int64{3, 1, 7} {
			test.ExpectSuccess(t, rec.InsertTracking(ctx, persistence.Tracking{
				ApplicationName: "upstream",
				NotificationID:  id,
			}))
		}

		max, ok, err := rec.MaxTrackingID(ctx, "upstream")
		test.ExpectSuccess(t, err)
		test.Expect(t, "a position must be reported", ok, true)
		test.Expect(t, "unexpected maximum position", max, int64(7))
	})

	t.Run("it tests membership of individual positions", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		test.ExpectSuccess(t, rec.InsertTracking(ctx, persistence.Tracking{
			ApplicationName: "upstream",
			NotificationID:  5,
		}))

		ok, err := rec.HasTrackingID(ctx, "upstream", 5)
		test.ExpectSuccess(t, err)
		test.Expect(t, "recorded position must be present", ok, true)

		ok, err = rec.HasTrackingID(ctx, "upstream", 6)
		test.ExpectSuccess(t, err)
		test.Expect(t, "unrecorded position must be absent", ok, false)
	})

	t.Run("it waits for a position to be recorded", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		go func() {
			time.Sleep(100 * time.Millisecond)
			if err := rec.InsertTracking(ctx, persistence.Tracking{
				ApplicationName: "upstream",
				NotificationID:  1,
			}); err != nil {
				t.Errorf("unexpected error: %s", err)
			}
		}()

		test.ExpectSuccess(t, rec.WaitForTrackingID(ctx, "upstream", 1, 5*time.Second))
	})

	t.Run("it times out waiting for an absent position", func(t *testing.T) {
		t.Parallel()
		ctx := test.Context(t)
		rec := open(t, newRecorder)

		err := rec.WaitForTrackingID(ctx, "upstream", 99, 100*time.Millisecond)
		if !persistence.IsTimeout(err) {
			t.Fatalf("expected a timeout, got %v", err)
		}
	})
}
