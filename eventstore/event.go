// Package eventstore binds a mapper to a recorder, exposing the storage
// engine in domain terms: domain events go in, domain events come out, and
// the recorder's ordering and atomicity guarantees carry through.
package eventstore

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is the contract the store requires of user event types. The
// core never inspects an event beyond these three values; everything else
// is payload.
type DomainEvent interface {
	OriginatorID() uuid.UUID
	OriginatorVersion() int64
	Timestamp() time.Time
}

// EventBase carries the fields every domain event needs. Embed it in event
// structs to satisfy [DomainEvent]:
//
//	type CartItemAdded struct {
//	    eventstore.EventBase
//	    SKU string `json:"sku"`
//	}
type EventBase struct {
	ID      uuid.UUID `json:"originator_id"`
	Version int64     `json:"originator_version"`
	At      time.Time `json:"timestamp"`
}

// OriginatorID returns the identity of the aggregate that produced the
// event.
func (e EventBase) OriginatorID() uuid.UUID { return e.ID }

// OriginatorVersion returns the event's position in the originator's
// sequence.
func (e EventBase) OriginatorVersion() int64 { return e.Version }

// Timestamp returns the time the event was produced.
func (e EventBase) Timestamp() time.Time { return e.At }

// TypeRegistry maps topics to concrete domain-event types. It is populated
// during composition and fails fast on unknown or duplicate topics, so that
// deployment mismatches surface at startup rather than mid-replay.
//
// A registry is safe for concurrent use once configured.
type TypeRegistry struct {
	byTopic map[string]registration
	topics  map[reflect.Type]string
}

type registration struct {
	typ reflect.Type

	// ptr is true if only the pointer form of the type satisfies
	// [DomainEvent].
	ptr bool
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byTopic: map[string]registration{},
		topics:  map[reflect.Type]string{},
	}
}

// Register associates a topic with the concrete type of prototype.
func (r *TypeRegistry) Register(topic string, prototype DomainEvent) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}

	typ := reflect.TypeOf(prototype)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return fmt.Errorf("prototype for topic %q must be a struct, got %s", topic, typ)
	}

	if _, ok := r.byTopic[topic]; ok {
		return fmt.Errorf("topic %q is already registered", topic)
	}
	if existing, ok := r.topics[typ]; ok {
		return fmt.Errorf("type %s is already registered as %q", typ, existing)
	}

	reg := registration{typ: typ}
	if _, ok := reflect.New(typ).Elem().Interface().(DomainEvent); !ok {
		if _, ok := reflect.New(typ).Interface().(DomainEvent); !ok {
			return fmt.Errorf("type %s does not implement DomainEvent", typ)
		}
		reg.ptr = true
	}

	r.byTopic[topic] = reg
	r.topics[typ] = topic
	return nil
}

// TopicOf returns the topic registered for the event's concrete type.
func (r *TypeRegistry) TopicOf(e DomainEvent) (string, bool) {
	typ := reflect.TypeOf(e)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}

	topic, ok := r.topics[typ]
	return topic, ok
}

// Topics returns every registered topic.
func (r *TypeRegistry) Topics() []string {
	topics := make([]string, 0, len(r.byTopic))
	for topic := range r.byTopic {
		topics = append(topics, topic)
	}
	return topics
}

func (r *TypeRegistry) lookup(topic string) (registration, bool) {
	reg, ok := r.byTopic[topic]
	return reg, ok
}
