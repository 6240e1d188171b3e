package eventstore_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tessellic/annal/codec"
	"github.com/tessellic/annal/compression"
	"github.com/tessellic/annal/encryption"
	. "github.com/tessellic/annal/eventstore"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
)

type cartCreated struct {
	EventBase
	Owner string `json:"owner"`
}

type itemAdded struct {
	EventBase
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Labels   []string        `json:"labels"`
}

func newRegistry(t test.FailerT) *TypeRegistry {
	t.Helper()

	types := NewTypeRegistry()
	test.ExpectSuccess(t, types.Register("cart:Created", cartCreated{}))
	test.ExpectSuccess(t, types.Register("cart:ItemAdded", itemAdded{}))
	return types
}

func newMapper(t test.FailerT, options ...MapperOption) *Mapper {
	t.Helper()

	transcoder, err := codec.NewJSONTranscoder()
	test.ExpectSuccess(t, err)

	return NewMapper(newRegistry(t), transcoder, options...)
}

func sampleEvent() itemAdded {
	return itemAdded{
		EventBase: EventBase{
			ID:      uuid.MustParse("b2723fe2-c01a-40d2-875e-a3aac6a09ff5"),
			Version: 3,
			At:      time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		},
		SKU:      "SKU-1234",
		Quantity: 2,
		Price:    decimal.RequireFromString("19.99"),
		Labels:   []string{"gift", "fragile"},
	}
}

func TestMapper_roundTrip(t *testing.T) {
	m := newMapper(t)
	event := sampleEvent()

	stored, err := m.ToStored(event)
	test.ExpectSuccess(t, err)
	test.Expect(t, "unexpected originator ID", stored.OriginatorID, event.ID)
	test.Expect(t, "unexpected originator version", stored.OriginatorVersion, int64(3))
	test.Expect(t, "unexpected topic", stored.Topic, "cart:ItemAdded")

	// The originator identity lives in its own columns, not in the state.
	if strings.Contains(string(stored.State), "originator_id") {
		t.Fatal("state must not contain the originator ID")
	}

	decoded, err := m.ToDomain(stored)
	test.ExpectSuccess(t, err)
	test.Expect(t, "event must round-trip", decoded.(itemAdded), event)
}

func TestMapper_failsOnUnregisteredEventType(t *testing.T) {
	m := newMapper(t)

	type unregistered struct{ EventBase }

	_, err := m.ToStored(unregistered{})

	var mapErr *MapperError
	if !errors.As(err, &mapErr) || mapErr.Kind != MapperUnknownTopic {
		t.Fatalf("expected an unknown-topic error, got %v", err)
	}
}

func TestMapper_failsOnUnknownStoredTopic(t *testing.T) {
	m := newMapper(t)

	_, err := m.ToDomain(sampleStored(t, m, "cart:Removed"))

	var mapErr *MapperError
	if !errors.As(err, &mapErr) || mapErr.Kind != MapperUnknownTopic {
		t.Fatalf("expected an unknown-topic error, got %v", err)
	}
}

func TestMapper_failsOnIncompatiblePayload(t *testing.T) {
	m := newMapper(t)

	stored := sampleStored(t, m, "cart:ItemAdded")
	stored.State = []byte(`{"quantity":"not a number"}`)

	_, err := m.ToDomain(stored)

	var mapErr *MapperError
	if !errors.As(err, &mapErr) || mapErr.Kind != MapperIncompatible {
		t.Fatalf("expected an incompatible error, got %v", err)
	}
}

func sampleStored(t *testing.T, m *Mapper, topic string) persistence.StoredEvent {
	t.Helper()

	s, err := m.ToStored(sampleEvent())
	test.ExpectSuccess(t, err)
	s.Topic = topic
	return s
}

func TestMapper_compressedEncryptedPipeline(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	cipher, err := encryption.NewAESGCM(key)
	test.ExpectSuccess(t, err)

	plain := newMapper(t)
	compressed := newMapper(t, WithCompressor(compression.Zlib{}))
	sealed := newMapper(
		t,
		WithCompressor(compression.Zlib{}),
		WithCipher(cipher),
	)

	// A body large and repetitive enough that compression pays for itself.
	event := sampleEvent()
	event.Labels = nil
	for i := 0; i < 1000; i++ {
		event.Labels = append(event.Labels, "the same label text")
	}

	plainStored, err := plain.ToStored(event)
	test.ExpectSuccess(t, err)
	compressedStored, err := compressed.ToStored(event)
	test.ExpectSuccess(t, err)
	sealedStored, err := sealed.ToStored(event)
	test.ExpectSuccess(t, err)

	if len(compressedStored.State) >= len(plainStored.State) {
		t.Fatal("compression must shrink a repetitive body")
	}
	if len(sealedStored.State) <= len(compressedStored.State) {
		t.Fatal("encryption must add overhead to the compressed body")
	}
	if len(sealedStored.State) >= len(plainStored.State) {
		t.Fatal("the sealed body must remain smaller than the plain one")
	}

	decoded, err := sealed.ToDomain(sealedStored)
	test.ExpectSuccess(t, err)
	test.Expect(t, "event must round-trip through the full pipeline", decoded.(itemAdded), event)

	// A single corrupted byte must fail authentication, never decode to a
	// wrong event.
	tampered := sealedStored
	tampered.State = bytes.Clone(tampered.State)
	tampered.State[len(tampered.State)/2] ^= 0x01

	_, err = sealed.ToDomain(tampered)

	var decErr *encryption.DecryptionError
	if !errors.As(err, &decErr) || decErr.Kind != encryption.DecryptionAuthentication {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}

func TestTypeRegistry_rejectsDuplicates(t *testing.T) {
	types := NewTypeRegistry()
	test.ExpectSuccess(t, types.Register("cart:Created", cartCreated{}))

	if err := types.Register("cart:Created", itemAdded{}); err == nil {
		t.Fatal("expected an error for a duplicate topic")
	}
	if err := types.Register("cart:CreatedV2", cartCreated{}); err == nil {
		t.Fatal("expected an error for a duplicate type")
	}
}
