package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
)

// ProcessRecorder is an implementation of [persistence.ProcessRecorder] that
// stores events and tracking cursors in memory, committing them atomically.
type ProcessRecorder struct {
	s *store
}

var _ persistence.ProcessRecorder = (*ProcessRecorder)(nil)

// NewProcessRecorder returns a recorder joining the application and tracking
// variants over one substrate.
func NewProcessRecorder() *ProcessRecorder {
	return &ProcessRecorder{s: newStore(true, true)}
}

// CreateSchema is a no-op; in-memory structures need no schema.
func (r *ProcessRecorder) CreateSchema(ctx context.Context) error {
	return r.s.createSchema(ctx)
}

// InsertEvents atomically records the given events, and the tracking cursor
// supplied via [persistence.WithTracking] if any.
func (r *ProcessRecorder) InsertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	return r.s.insertEvents(ctx, events, options...)
}

// SelectEvents returns the events of the given originator.
func (r *ProcessRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	return r.s.selectEvents(ctx, originatorID, options...)
}

// SelectNotifications returns committed notifications in ascending ID order.
func (r *ProcessRecorder) SelectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	options ...persistence.NotificationOption,
) ([]persistence.Notification, error) {
	return r.s.selectNotifications(ctx, start, limit, options...)
}

// MaxNotificationID returns the highest committed notification ID.
func (r *ProcessRecorder) MaxNotificationID(ctx context.Context) (int64, error) {
	return r.s.maxNotificationID(ctx)
}

// Subscribe opens a live subscription to the application sequence.
func (r *ProcessRecorder) Subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (persistence.Subscription, error) {
	return r.s.subscribe(ctx, options...)
}

// InsertTracking records that a notification has been processed.
func (r *ProcessRecorder) InsertTracking(ctx context.Context, tracking persistence.Tracking) error {
	return r.s.insertTracking(ctx, tracking)
}

// MaxTrackingID returns the highest recorded notification ID for the named
// application.
func (r *ProcessRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	return r.s.maxTrackingID(ctx, applicationName)
}

// HasTrackingID reports whether the given notification has been processed.
func (r *ProcessRecorder) HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	return r.s.hasTrackingID(ctx, applicationName, notificationID)
}

// WaitForTrackingID blocks until the given notification has been processed
// or the timeout elapses.
func (r *ProcessRecorder) WaitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	return r.s.waitForTrackingID(ctx, applicationName, notificationID, timeout)
}

// Close discards the recorder's state and terminates its subscriptions.
func (r *ProcessRecorder) Close() error {
	return r.s.close()
}
