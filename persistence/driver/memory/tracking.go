package memory

import (
	"context"
	"time"

	"github.com/tessellic/annal/persistence"
)

// TrackingRecorder is an implementation of [persistence.TrackingRecorder]
// that stores cursors in memory.
type TrackingRecorder struct {
	s *store
}

var _ persistence.TrackingRecorder = (*TrackingRecorder)(nil)

// NewTrackingRecorder returns a recorder for downstream consumer cursors.
func NewTrackingRecorder() *TrackingRecorder {
	return &TrackingRecorder{s: newStore(false, true)}
}

// CreateSchema is a no-op; in-memory structures need no schema.
func (r *TrackingRecorder) CreateSchema(ctx context.Context) error {
	return r.s.createSchema(ctx)
}

// InsertTracking records that a notification has been processed.
func (r *TrackingRecorder) InsertTracking(ctx context.Context, tracking persistence.Tracking) error {
	return r.s.insertTracking(ctx, tracking)
}

// MaxTrackingID returns the highest recorded notification ID for the named
// application.
func (r *TrackingRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	return r.s.maxTrackingID(ctx, applicationName)
}

// HasTrackingID reports whether the given notification has been processed.
func (r *TrackingRecorder) HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	return r.s.hasTrackingID(ctx, applicationName, notificationID)
}

// WaitForTrackingID blocks until the given notification has been processed
// or the timeout elapses.
func (r *TrackingRecorder) WaitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	return r.s.waitForTrackingID(ctx, applicationName, notificationID, timeout)
}

// Close discards the recorder's state.
func (r *TrackingRecorder) Close() error {
	return r.s.close()
}
