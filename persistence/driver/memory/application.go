package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
)

// ApplicationRecorder is an implementation of
// [persistence.ApplicationRecorder] that stores events in memory.
type ApplicationRecorder struct {
	s *store
}

var _ persistence.ApplicationRecorder = (*ApplicationRecorder)(nil)

// NewApplicationRecorder returns a recorder that positions every stored
// event in an application-wide notification sequence.
func NewApplicationRecorder() *ApplicationRecorder {
	return &ApplicationRecorder{s: newStore(true, false)}
}

// CreateSchema is a no-op; in-memory structures need no schema.
func (r *ApplicationRecorder) CreateSchema(ctx context.Context) error {
	return r.s.createSchema(ctx)
}

// InsertEvents atomically records the given events and assigns them
// notification IDs.
func (r *ApplicationRecorder) InsertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	return r.s.insertEvents(ctx, events, options...)
}

// SelectEvents returns the events of the given originator.
func (r *ApplicationRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	return r.s.selectEvents(ctx, originatorID, options...)
}

// SelectNotifications returns committed notifications in ascending ID order.
func (r *ApplicationRecorder) SelectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	options ...persistence.NotificationOption,
) ([]persistence.Notification, error) {
	return r.s.selectNotifications(ctx, start, limit, options...)
}

// MaxNotificationID returns the highest committed notification ID.
func (r *ApplicationRecorder) MaxNotificationID(ctx context.Context) (int64, error) {
	return r.s.maxNotificationID(ctx)
}

// Subscribe opens a live subscription to the application sequence.
func (r *ApplicationRecorder) Subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (persistence.Subscription, error) {
	return r.s.subscribe(ctx, options...)
}

// Close discards the recorder's state and terminates its subscriptions.
func (r *ApplicationRecorder) Close() error {
	return r.s.close()
}
