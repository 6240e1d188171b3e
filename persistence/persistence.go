// Package persistence defines the contracts shared by all storage drivers:
// the stored-event data model, the recorder interfaces, the subscription
// protocol and the error taxonomy.
//
// A recorder is the storage adapter at the bottom of the stack. Four variants
// exist, layered by capability:
//
//   - [AggregateRecorder] records and replays the events of individual
//     aggregates.
//   - [ApplicationRecorder] additionally positions every stored event in a
//     single application-wide sequence of notifications.
//   - [TrackingRecorder] records the progress of downstream consumers.
//   - [ProcessRecorder] joins the application and tracking variants in a
//     single transaction.
package persistence

import (
	"github.com/google/uuid"
)

// StoredEvent is the universal unit of recorded state.
//
// A stored event is immutable once inserted. For a given originator, the pair
// (OriginatorID, OriginatorVersion) is unique; inserts that reuse a pair fail
// with an [IntegrityError] of kind [IntegrityVersion].
type StoredEvent struct {
	// OriginatorID identifies the aggregate that produced the event.
	OriginatorID uuid.UUID

	// OriginatorVersion is the position of the event in the originator's own
	// sequence. It is non-negative and increments by one per event.
	OriginatorVersion int64

	// Topic names the concrete domain-event type, in "module:Class" form. It
	// is used to reconstruct the correct type when the event is read back.
	Topic string

	// State is the serialized (and possibly compressed and/or encrypted)
	// event payload.
	State []byte
}

// Notification is a stored event positioned in the application sequence.
type Notification struct {
	// ID is the event's position in the application sequence. It is a
	// positive integer, strictly monotonically increasing in commit order,
	// with no gaps between committed writes.
	ID int64

	StoredEvent
}

// Tracking is a downstream consumer's durable cursor.
//
// The pair (ApplicationName, NotificationID) is unique; a notification is
// processed at most once per named consumer.
type Tracking struct {
	// ApplicationName names the upstream application whose notification has
	// been processed.
	ApplicationName string

	// NotificationID is the position that has been consumed.
	NotificationID int64
}

// Recording describes the outcome of inserting a single stored event.
type Recording struct {
	// OriginatorID and OriginatorVersion echo the inserted event.
	OriginatorID      uuid.UUID
	OriginatorVersion int64

	// NotificationID is the position assigned to the event in the application
	// sequence, or zero if the recorder does not maintain one.
	NotificationID int64
}
