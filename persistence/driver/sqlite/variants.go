package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
)

// AggregateRecorder is an implementation of [persistence.AggregateRecorder]
// that persists events in a SQLite table.
type AggregateRecorder struct {
	c *core
}

var _ persistence.AggregateRecorder = (*AggregateRecorder)(nil)

// NewAggregateRecorder returns a recorder that stores events in the named
// table of the given datastore, with no application sequence.
func NewAggregateRecorder(ds *Datastore, eventsTable string) (*AggregateRecorder, error) {
	c, err := newCore(ds, eventsTable, "", false)
	if err != nil {
		return nil, err
	}
	return &AggregateRecorder{c: c}, nil
}

// CreateSchema creates the events table. It is idempotent.
func (r *AggregateRecorder) CreateSchema(ctx context.Context) error {
	return r.c.createSchema(ctx)
}

// InsertEvents atomically records the given events in one transaction.
func (r *AggregateRecorder) InsertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	return r.c.insertEvents(ctx, events, options...)
}

// SelectEvents returns the events of the given originator.
func (r *AggregateRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	return r.c.selectEvents(ctx, originatorID, options...)
}

// Close releases the recorder. The shared datastore remains open.
func (r *AggregateRecorder) Close() error {
	return r.c.close()
}

// ApplicationRecorder is an implementation of
// [persistence.ApplicationRecorder] that persists events in a SQLite table
// with a dense notification sequence.
type ApplicationRecorder struct {
	AggregateRecorder
}

var _ persistence.ApplicationRecorder = (*ApplicationRecorder)(nil)

// NewApplicationRecorder returns a recorder that assigns every stored event
// a position in the application sequence.
func NewApplicationRecorder(ds *Datastore, eventsTable string) (*ApplicationRecorder, error) {
	c, err := newCore(ds, eventsTable, "", true)
	if err != nil {
		return nil, err
	}
	return &ApplicationRecorder{AggregateRecorder{c: c}}, nil
}

// SelectNotifications returns committed notifications in ascending ID order.
func (r *ApplicationRecorder) SelectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	options ...persistence.NotificationOption,
) ([]persistence.Notification, error) {
	return r.c.selectNotifications(ctx, start, limit, options...)
}

// MaxNotificationID returns the highest committed notification ID.
func (r *ApplicationRecorder) MaxNotificationID(ctx context.Context) (int64, error) {
	return r.c.maxNotificationID(ctx)
}

// Subscribe opens a live subscription to the application sequence.
func (r *ApplicationRecorder) Subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (persistence.Subscription, error) {
	return r.c.subscribe(ctx, options...)
}

// TrackingRecorder is an implementation of [persistence.TrackingRecorder]
// that persists consumer cursors in a SQLite table.
type TrackingRecorder struct {
	c *core
}

var _ persistence.TrackingRecorder = (*TrackingRecorder)(nil)

// NewTrackingRecorder returns a recorder that stores cursors in the named
// table of the given datastore.
func NewTrackingRecorder(ds *Datastore, trackingTable string) (*TrackingRecorder, error) {
	c, err := newCore(ds, "", trackingTable, false)
	if err != nil {
		return nil, err
	}
	return &TrackingRecorder{c: c}, nil
}

// CreateSchema creates the tracking table. It is idempotent.
func (r *TrackingRecorder) CreateSchema(ctx context.Context) error {
	return r.c.createSchema(ctx)
}

// InsertTracking records that a notification has been processed.
func (r *TrackingRecorder) InsertTracking(ctx context.Context, tracking persistence.Tracking) error {
	return r.c.insertTracking(ctx, tracking)
}

// MaxTrackingID returns the highest recorded notification ID for the named
// application.
func (r *TrackingRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	return r.c.maxTrackingID(ctx, applicationName)
}

// HasTrackingID reports whether the given notification has been processed.
func (r *TrackingRecorder) HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	return r.c.hasTrackingID(ctx, applicationName, notificationID)
}

// WaitForTrackingID blocks until the given notification has been processed
// or the timeout elapses.
func (r *TrackingRecorder) WaitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	return r.c.waitForTrackingID(ctx, applicationName, notificationID, timeout)
}

// Close releases the recorder. The shared datastore remains open.
func (r *TrackingRecorder) Close() error {
	return r.c.close()
}

// ProcessRecorder is an implementation of [persistence.ProcessRecorder] that
// persists events and tracking cursors in SQLite tables, committing them in
// one transaction.
type ProcessRecorder struct {
	ApplicationRecorder
}

var _ persistence.ProcessRecorder = (*ProcessRecorder)(nil)

// NewProcessRecorder returns a recorder joining the application and tracking
// variants over one datastore.
func NewProcessRecorder(ds *Datastore, eventsTable, trackingTable string) (*ProcessRecorder, error) {
	c, err := newCore(ds, eventsTable, trackingTable, true)
	if err != nil {
		return nil, err
	}
	return &ProcessRecorder{ApplicationRecorder{AggregateRecorder{c: c}}}, nil
}

// InsertTracking records that a notification has been processed.
func (r *ProcessRecorder) InsertTracking(ctx context.Context, tracking persistence.Tracking) error {
	return r.c.insertTracking(ctx, tracking)
}

// MaxTrackingID returns the highest recorded notification ID for the named
// application.
func (r *ProcessRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	return r.c.maxTrackingID(ctx, applicationName)
}

// HasTrackingID reports whether the given notification has been processed.
func (r *ProcessRecorder) HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	return r.c.hasTrackingID(ctx, applicationName, notificationID)
}

// WaitForTrackingID blocks until the given notification has been processed
// or the timeout elapses.
func (r *ProcessRecorder) WaitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	return r.c.waitForTrackingID(ctx, applicationName, notificationID, timeout)
}
