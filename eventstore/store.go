package eventstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
)

// EventStore is the narrow, typed waist over a mapper and a recorder. It
// does not cache and does not batch across calls.
type EventStore struct {
	name     string
	mapper   *Mapper
	recorder persistence.AggregateRecorder

	// application is non-nil when the recorder supports the application
	// sequence, enabling notifications and subscriptions.
	application persistence.ApplicationRecorder
}

// New returns an event store over the given recorder. The name identifies
// the application; downstream consumers record their progress against it.
func New(name string, mapper *Mapper, recorder persistence.AggregateRecorder) *EventStore {
	s := &EventStore{
		name:     name,
		mapper:   mapper,
		recorder: recorder,
	}
	if app, ok := recorder.(persistence.ApplicationRecorder); ok {
		s.application = app
	}
	return s
}

// NewWithSubscriptions returns an event store that is guaranteed to serve
// live subscriptions. It fails with a [persistence.CapabilityError] at
// construction when the recorder has no application sequence, rather than
// deferring the failure to iteration time.
func NewWithSubscriptions(
	name string,
	mapper *Mapper,
	recorder persistence.AggregateRecorder,
) (*EventStore, error) {
	s := New(name, mapper, recorder)
	if s.application == nil {
		return nil, &persistence.CapabilityError{Kind: persistence.CapabilitySubscribe}
	}
	return s, nil
}

// Name returns the application name the store was constructed with.
func (s *EventStore) Name() string {
	return s.name
}

// Put maps the given events and records them atomically. A mapping failure
// aborts the whole batch before anything is written. On a version conflict
// the entire batch has failed; the caller must reload the aggregate and
// retry.
func (s *EventStore) Put(
	ctx context.Context,
	events []DomainEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	stored := make([]persistence.StoredEvent, len(events))
	for i, e := range events {
		se, err := s.mapper.ToStored(e)
		if err != nil {
			return nil, err
		}
		stored[i] = se
	}

	return s.recorder.InsertEvents(ctx, stored, options...)
}

// Get returns an iterator over the events of the given originator, demapped
// on demand. The iteration order matches the recorder's.
func (s *EventStore) Get(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) (*EventIterator, error) {
	stored, err := s.recorder.SelectEvents(ctx, originatorID, options...)
	if err != nil {
		return nil, err
	}

	return &EventIterator{mapper: s.mapper, stored: stored}, nil
}

// MaxNotificationID returns the highest committed position in the
// application sequence.
func (s *EventStore) MaxNotificationID(ctx context.Context) (int64, error) {
	if s.application == nil {
		return 0, &persistence.CapabilityError{Kind: persistence.CapabilitySubscribe}
	}
	return s.application.MaxNotificationID(ctx)
}

// Subscribe opens a live subscription yielding each notification's domain
// event together with the tracking cursor a consumer should record for it.
func (s *EventStore) Subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (*EventSubscription, error) {
	if s.application == nil {
		return nil, &persistence.CapabilityError{Kind: persistence.CapabilitySubscribe}
	}

	sub, err := s.application.Subscribe(ctx, options...)
	if err != nil {
		return nil, err
	}

	return &EventSubscription{
		name:   s.name,
		mapper: s.mapper,
		sub:    sub,
	}, nil
}

// EventIterator yields domain events one at a time, deferring demapping
// until each event is requested.
type EventIterator struct {
	mapper *Mapper
	stored []persistence.StoredEvent
	i      int
}

// Next returns the next event. ok is false when the sequence is exhausted.
func (it *EventIterator) Next() (e DomainEvent, ok bool, err error) {
	if it.i >= len(it.stored) {
		return nil, false, nil
	}

	e, err = it.mapper.ToDomain(it.stored[it.i])
	if err != nil {
		return nil, false, err
	}
	it.i++

	return e, true, nil
}

// Collect drains the iterator into a slice.
func (it *EventIterator) Collect() ([]DomainEvent, error) {
	var events []DomainEvent
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return events, nil
		}
		events = append(events, e)
	}
}

// EventSubscription adapts a recorder subscription to domain terms.
type EventSubscription struct {
	name   string
	mapper *Mapper
	sub    persistence.Subscription
}

// Next returns the next event in the application sequence, together with
// the tracking cursor identifying it. It blocks at the live tail the way
// [persistence.Subscription.Next] does.
func (s *EventSubscription) Next(ctx context.Context) (DomainEvent, persistence.Tracking, bool, error) {
	n, ok, err := s.sub.Next(ctx)
	if !ok || err != nil {
		return nil, persistence.Tracking{}, false, err
	}

	e, err := s.mapper.ToDomain(n.StoredEvent)
	if err != nil {
		s.sub.Stop()
		return nil, persistence.Tracking{}, false, err
	}

	return e, persistence.Tracking{
		ApplicationName: s.name,
		NotificationID:  n.ID,
	}, true, nil
}

// Stop terminates the subscription. It is idempotent and non-blocking.
func (s *EventSubscription) Stop() {
	s.sub.Stop()
}
