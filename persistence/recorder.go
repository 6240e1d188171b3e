package persistence

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// AggregateRecorder records and replays the events of individual aggregates.
type AggregateRecorder interface {
	// CreateSchema creates the recorder's tables (or equivalent structures).
	// It is idempotent. Stores that cannot manage their own schema return a
	// [CapabilityError] of kind [CapabilitySchema].
	CreateSchema(ctx context.Context) error

	// InsertEvents atomically records the given events, and the optional
	// tracking cursor supplied via [WithTracking], in a single transaction.
	//
	// On success it returns one [Recording] per event, in input order. On any
	// failure nothing is inserted: a reused (OriginatorID,
	// OriginatorVersion) pair fails with an [IntegrityError] of kind
	// [IntegrityVersion], a duplicate tracking cursor with kind
	// [IntegrityTracking], and unavailable storage with a
	// [PersistenceError].
	//
	// Recorders without tracking support reject [WithTracking].
	InsertEvents(ctx context.Context, events []StoredEvent, options ...InsertOption) ([]Recording, error)

	// SelectEvents returns the events of the given originator, ordered by
	// OriginatorVersion. Bounds, direction and a result cap are applied via
	// [SelectOption] values: events are filtered by the bounds first, then
	// ordered, then limited.
	SelectEvents(ctx context.Context, originatorID uuid.UUID, options ...SelectOption) ([]StoredEvent, error)

	// Close releases the recorder's handle on its datastore. Pending
	// subscriptions are terminated.
	Close() error
}

// ApplicationRecorder is an [AggregateRecorder] that additionally positions
// every stored event in the application sequence.
type ApplicationRecorder interface {
	AggregateRecorder

	// SelectNotifications returns committed notifications with IDs at or
	// after start, in strictly ascending ID order, up to limit results.
	//
	// No committed notification with an ID between start and the last
	// returned ID is ever omitted, which makes the result safe for tailers.
	SelectNotifications(ctx context.Context, start int64, limit int, options ...NotificationOption) ([]Notification, error)

	// MaxNotificationID returns the highest committed notification ID, or
	// zero if no events have been recorded.
	MaxNotificationID(ctx context.Context) (int64, error)

	// Subscribe opens a live subscription to the application sequence,
	// starting after the position given by [FromNotificationID].
	Subscribe(ctx context.Context, options ...SubscribeOption) (Subscription, error)
}

// TrackingRecorder records the progress of downstream consumers.
type TrackingRecorder interface {
	// CreateSchema creates the tracking table. It is idempotent.
	CreateSchema(ctx context.Context) error

	// InsertTracking records that a notification has been processed.
	// Duplicates fail with an [IntegrityError] of kind [IntegrityTracking].
	InsertTracking(ctx context.Context, tracking Tracking) error

	// MaxTrackingID returns the highest notification ID recorded for the
	// named application. ok is false if nothing has been recorded.
	MaxTrackingID(ctx context.Context, applicationName string) (id int64, ok bool, err error)

	// HasTrackingID reports whether the given notification has been recorded
	// as processed for the named application.
	HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error)

	// WaitForTrackingID blocks until HasTrackingID would report true, or
	// until the timeout elapses, in which case it returns a [TimeoutError].
	WaitForTrackingID(ctx context.Context, applicationName string, notificationID int64, timeout time.Duration) error

	// Close releases the recorder's handle on its datastore.
	Close() error
}

// ProcessRecorder joins [ApplicationRecorder] and [TrackingRecorder] over a
// single transactional substrate: InsertEvents accepts [WithTracking], and
// the events and the cursor commit or fail together.
type ProcessRecorder interface {
	ApplicationRecorder

	InsertTracking(ctx context.Context, tracking Tracking) error
	MaxTrackingID(ctx context.Context, applicationName string) (id int64, ok bool, err error)
	HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error)
	WaitForTrackingID(ctx context.Context, applicationName string, notificationID int64, timeout time.Duration) error
}

// InsertOptions is the resolved form of a set of [InsertOption] values.
type InsertOptions struct {
	// Tracking is the cursor to insert atomically with the events, or nil.
	Tracking *Tracking
}

// InsertOption customizes a call to InsertEvents.
type InsertOption func(*InsertOptions)

// WithTracking requests that the given cursor be inserted atomically with
// the events. Only process recorders support it.
func WithTracking(tracking Tracking) InsertOption {
	return func(o *InsertOptions) {
		o.Tracking = &tracking
	}
}

// ResolveInsertOptions applies the given options to their defaults.
func ResolveInsertOptions(options ...InsertOption) InsertOptions {
	var o InsertOptions
	for _, fn := range options {
		fn(&o)
	}
	return o
}

// SelectOptions is the resolved form of a set of [SelectOption] values.
//
// The zero bounds select the entire sequence: Gt of -1 admits version zero,
// and Lte of [math.MaxInt64] admits every later version.
type SelectOptions struct {
	Gt    int64
	Lte   int64
	Desc  bool
	Limit int
}

// SelectOption customizes a call to SelectEvents.
type SelectOption func(*SelectOptions)

// AfterVersion sets a strict lower bound on OriginatorVersion.
func AfterVersion(gt int64) SelectOption {
	return func(o *SelectOptions) {
		o.Gt = gt
	}
}

// UpToVersion sets an inclusive upper bound on OriginatorVersion.
func UpToVersion(lte int64) SelectOption {
	return func(o *SelectOptions) {
		o.Lte = lte
	}
}

// Descending reverses the result order to descending OriginatorVersion.
func Descending() SelectOption {
	return func(o *SelectOptions) {
		o.Desc = true
	}
}

// Limit caps the number of results. Zero means unbounded.
func Limit(n int) SelectOption {
	return func(o *SelectOptions) {
		o.Limit = n
	}
}

// ResolveSelectOptions applies the given options to their defaults.
func ResolveSelectOptions(options ...SelectOption) SelectOptions {
	o := SelectOptions{
		Gt:  -1,
		Lte: math.MaxInt64,
	}
	for _, fn := range options {
		fn(&o)
	}
	return o
}

// NotificationOptions is the resolved form of a set of [NotificationOption]
// values.
type NotificationOptions struct {
	// Stop is an inclusive upper bound on notification IDs, or
	// [math.MaxInt64] for none.
	Stop int64

	// Topics restricts results to notifications with one of the given
	// topics. Empty means no filter.
	Topics []string
}

// NotificationOption customizes a call to SelectNotifications.
type NotificationOption func(*NotificationOptions)

// UpToNotificationID sets an inclusive upper bound on notification IDs.
func UpToNotificationID(stop int64) NotificationOption {
	return func(o *NotificationOptions) {
		o.Stop = stop
	}
}

// MatchingTopics restricts results to notifications with one of the given
// topics.
func MatchingTopics(topics ...string) NotificationOption {
	return func(o *NotificationOptions) {
		o.Topics = topics
	}
}

// ResolveNotificationOptions applies the given options to their defaults.
func ResolveNotificationOptions(options ...NotificationOption) NotificationOptions {
	o := NotificationOptions{
		Stop: math.MaxInt64,
	}
	for _, fn := range options {
		fn(&o)
	}
	return o
}

// Filter reports whether the given notification passes the options' stop
// bound and topic filter.
func (o NotificationOptions) Filter(n Notification) bool {
	if n.ID > o.Stop {
		return false
	}
	if len(o.Topics) == 0 {
		return true
	}
	for _, t := range o.Topics {
		if n.Topic == t {
			return true
		}
	}
	return false
}

// SubscribeOptions is the resolved form of a set of [SubscribeOption] values.
type SubscribeOptions struct {
	// Gt is the position after which the subscription starts. Zero starts
	// from the beginning of the application sequence.
	Gt int64

	// Topics restricts the subscription to notifications with one of the
	// given topics. Empty means no filter.
	Topics []string
}

// SubscribeOption customizes a call to Subscribe.
type SubscribeOption func(*SubscribeOptions)

// FromNotificationID starts the subscription after the given position.
func FromNotificationID(gt int64) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Gt = gt
	}
}

// SubscribeTopics restricts the subscription to the given topics.
func SubscribeTopics(topics ...string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Topics = topics
	}
}

// ResolveSubscribeOptions applies the given options to their defaults.
func ResolveSubscribeOptions(options ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, fn := range options {
		fn(&o)
	}
	return o
}
