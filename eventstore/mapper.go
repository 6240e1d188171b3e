package eventstore

import (
	"fmt"
	"reflect"

	"github.com/tessellic/annal/codec"
	"github.com/tessellic/annal/compression"
	"github.com/tessellic/annal/encryption"
	"github.com/tessellic/annal/persistence"
)

// Payload field keys that are carried as stored-event columns rather than
// inside the serialized state.
const (
	originatorIDKey      = "originator_id"
	originatorVersionKey = "originator_version"
)

// MapperKind enumerates mapping failures.
type MapperKind int

const (
	// MapperUnknownTopic indicates a stored event whose topic has no
	// registered type: a deployment mismatch.
	MapperUnknownTopic MapperKind = iota + 1

	// MapperIncompatible indicates a decoded payload that does not fit the
	// registered type.
	MapperIncompatible
)

func (k MapperKind) String() string {
	switch k {
	case MapperUnknownTopic:
		return "unknown topic"
	case MapperIncompatible:
		return "incompatible payload"
	default:
		return "unknown"
	}
}

// MapperError is returned when a stored event cannot be converted to or
// from its domain form. It is fatal for the affected event.
type MapperError struct {
	Kind  MapperKind
	Topic string
	Cause error
}

func (e *MapperError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("mapper error: %s %q", e.Kind, e.Topic)
	}
	return fmt.Sprintf("mapper error: %s %q: %s", e.Kind, e.Topic, e.Cause)
}

func (e *MapperError) Unwrap() error {
	return e.Cause
}

// Mapper converts between [DomainEvent] and [persistence.StoredEvent].
//
// On the write path the payload is serialized, then optionally compressed,
// then optionally encrypted; the read path reverses the pipeline in the
// opposite order. The order is part of the stored format and never changes.
//
// A mapper has no side-effects and is safe for concurrent use once
// configured.
type Mapper struct {
	types      *TypeRegistry
	transcoder codec.Transcoder
	compressor compression.Compressor
	cipher     encryption.Cipher
}

// MapperOption customizes a mapper.
type MapperOption func(*Mapper)

// WithCompressor enables state compression.
func WithCompressor(c compression.Compressor) MapperOption {
	return func(m *Mapper) {
		m.compressor = c
	}
}

// WithCipher enables state encryption.
func WithCipher(c encryption.Cipher) MapperOption {
	return func(m *Mapper) {
		m.cipher = c
	}
}

// NewMapper returns a mapper using the given type registry and transcoder.
func NewMapper(types *TypeRegistry, transcoder codec.Transcoder, options ...MapperOption) *Mapper {
	m := &Mapper{
		types:      types,
		transcoder: transcoder,
	}
	for _, fn := range options {
		fn(m)
	}
	return m
}

// ToStored converts a domain event to its stored form.
func (m *Mapper) ToStored(e DomainEvent) (persistence.StoredEvent, error) {
	topic, ok := m.types.TopicOf(e)
	if !ok {
		return persistence.StoredEvent{}, &MapperError{
			Kind:  MapperUnknownTopic,
			Topic: fmt.Sprintf("%T", e),
		}
	}

	payload, err := structToMap(e)
	if err != nil {
		return persistence.StoredEvent{}, &MapperError{
			Kind:  MapperIncompatible,
			Topic: topic,
			Cause: err,
		}
	}

	// The originator identity and version live in their own columns; only
	// the residual payload is serialized.
	delete(payload, originatorIDKey)
	delete(payload, originatorVersionKey)

	state, err := m.transcoder.Encode(payload)
	if err != nil {
		return persistence.StoredEvent{}, err
	}

	if m.compressor != nil {
		if state, err = m.compressor.Compress(state); err != nil {
			return persistence.StoredEvent{}, err
		}
	}
	if m.cipher != nil {
		if state, err = m.cipher.Encrypt(state); err != nil {
			return persistence.StoredEvent{}, err
		}
	}

	return persistence.StoredEvent{
		OriginatorID:      e.OriginatorID(),
		OriginatorVersion: e.OriginatorVersion(),
		Topic:             topic,
		State:             state,
	}, nil
}

// ToDomain converts a stored event back to its domain form.
func (m *Mapper) ToDomain(stored persistence.StoredEvent) (DomainEvent, error) {
	reg, ok := m.types.lookup(stored.Topic)
	if !ok {
		return nil, &MapperError{
			Kind:  MapperUnknownTopic,
			Topic: stored.Topic,
		}
	}

	state := stored.State
	var err error

	if m.cipher != nil {
		if state, err = m.cipher.Decrypt(state); err != nil {
			return nil, err
		}
	}
	if m.compressor != nil {
		if state, err = m.compressor.Decompress(state); err != nil {
			return nil, err
		}
	}

	decoded, err := m.transcoder.Decode(state)
	if err != nil {
		return nil, err
	}

	payload, ok := decoded.(map[string]any)
	if !ok {
		return nil, &MapperError{
			Kind:  MapperIncompatible,
			Topic: stored.Topic,
			Cause: fmt.Errorf("state decoded to %T, expected a map", decoded),
		}
	}

	payload[originatorIDKey] = stored.OriginatorID
	payload[originatorVersionKey] = stored.OriginatorVersion

	ptr := reflect.New(reg.typ)
	if err := mapToStruct(payload, ptr); err != nil {
		return nil, &MapperError{
			Kind:  MapperIncompatible,
			Topic: stored.Topic,
			Cause: err,
		}
	}

	if reg.ptr {
		return ptr.Interface().(DomainEvent), nil
	}
	return ptr.Elem().Interface().(DomainEvent), nil
}
