package factory

import (
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/eventstore"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	"github.com/tessellic/annal/persistence/driver/sqlite"
)

type thingHappened struct {
	eventstore.EventBase
	What string `json:"what"`
}

func newTypes(t *testing.T) *eventstore.TypeRegistry {
	t.Helper()

	types := eventstore.NewTypeRegistry()
	test.ExpectSuccess(t, types.Register("things:Happened", thingHappened{}))
	return types
}

func TestFactory_memoryModule(t *testing.T) {
	ctx := test.Context(t)

	f, err := New("TestApp", Config{})
	test.ExpectSuccess(t, err)
	defer f.Close()

	store, err := f.EventStore(ctx, newTypes(t))
	test.ExpectSuccess(t, err)

	_, err = store.Put(ctx, []eventstore.DomainEvent{
		thingHappened{
			EventBase: eventstore.EventBase{ID: uuid.New(), Version: 1, At: time.Now().UTC()},
			What:      "something",
		},
	})
	test.ExpectSuccess(t, err)

	max, err := store.MaxNotificationID(ctx)
	test.ExpectSuccess(t, err)
	test.Expect(t, "unexpected notification ID", max, int64(1))

	// Recorders of one variant share their state within a factory.
	first, err := f.ProcessRecorder(ctx)
	test.ExpectSuccess(t, err)
	second, err := f.ProcessRecorder(ctx)
	test.ExpectSuccess(t, err)
	if first != second {
		t.Fatal("expected the same process recorder instance")
	}
}

func TestFactory_sqliteModule(t *testing.T) {
	ctx := test.Context(t)

	f, err := New("TestApp", Config{
		Module:       ModuleSQLite,
		CreateTables: true,
		SQLite: sqlite.DatastoreConfig{
			Path: filepath.Join(t.TempDir(), "annal.sqlite"),
		},
	})
	test.ExpectSuccess(t, err)
	defer f.Close()

	store, err := f.EventStore(ctx, newTypes(t))
	test.ExpectSuccess(t, err)

	id := uuid.New()
	_, err = store.Put(ctx, []eventstore.DomainEvent{
		thingHappened{
			EventBase: eventstore.EventBase{ID: id, Version: 1, At: time.Now().UTC()},
			What:      "persisted",
		},
	})
	test.ExpectSuccess(t, err)

	it, err := store.Get(ctx, id)
	test.ExpectSuccess(t, err)
	events, err := it.Collect()
	test.ExpectSuccess(t, err)
	test.Expect(t, "unexpected event count", len(events), 1)
	test.Expect(t, "unexpected payload", events[0].(thingHappened).What, "persisted")

	// The process recorder shares the datastore, so the tracking table
	// lives in the same database file.
	proc, err := f.ProcessRecorder(ctx)
	test.ExpectSuccess(t, err)
	test.ExpectSuccess(t, proc.InsertTracking(ctx, persistence.Tracking{
		ApplicationName: "upstream",
		NotificationID:  1,
	}))
}

func TestFactory_configuredPipeline(t *testing.T) {
	ctx := test.Context(t)

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	f, err := New("TestApp", Config{
		CompressorTopic: "zlib",
		CipherTopic:     "aes",
		CipherKey:       key,
	})
	test.ExpectSuccess(t, err)
	defer f.Close()

	store, err := f.EventStore(ctx, newTypes(t))
	test.ExpectSuccess(t, err)

	id := uuid.New()
	event := thingHappened{
		EventBase: eventstore.EventBase{ID: id, Version: 1, At: time.Now().UTC()},
		What:      "sealed",
	}

	_, err = store.Put(ctx, []eventstore.DomainEvent{event})
	test.ExpectSuccess(t, err)

	it, err := store.Get(ctx, id)
	test.ExpectSuccess(t, err)
	events, err := it.Collect()
	test.ExpectSuccess(t, err)
	test.Expect(t, "event must round-trip the configured pipeline", events[0].(thingHappened).What, "sealed")
}

func TestFactory_rejectsBadPipelineConfig(t *testing.T) {
	ctx := test.Context(t)

	for name, cfg := range map[string]Config{
		"unknown compressor": {CompressorTopic: "lz4"},
		"unknown cipher":     {CipherTopic: "rot13"},
		"missing cipher key": {CipherTopic: "aes"},
		"short cipher key":   {CipherTopic: "aes", CipherKey: base64.StdEncoding.EncodeToString([]byte("short"))},
	} {
		t.Run(name, func(t *testing.T) {
			f, err := New("TestApp", cfg)
			test.ExpectSuccess(t, err)

			if _, err := f.EventStore(ctx, newTypes(t)); err == nil {
				t.Fatal("expected a configuration error")
			}
		})
	}
}

func TestFactory_dynamodbHasNoApplicationSequence(t *testing.T) {
	ctx := test.Context(t)

	f, err := New("TestApp", Config{Module: ModuleDynamoDB})
	test.ExpectSuccess(t, err)

	_, err = f.ApplicationRecorder(ctx)
	var capErr *persistence.CapabilityError
	if !errors.As(err, &capErr) || capErr.Kind != persistence.CapabilitySubscribe {
		t.Fatalf("expected a capability error, got %v", err)
	}

	_, err = f.ProcessRecorder(ctx)
	if !errors.As(err, &capErr) {
		t.Fatalf("expected a capability error, got %v", err)
	}
}

func TestNew_rejectsUnknownModule(t *testing.T) {
	if _, err := New("TestApp", Config{Module: "etcd"}); err == nil {
		t.Fatal("expected an error for an unknown module")
	}
	if _, err := New("", Config{}); err == nil {
		t.Fatal("expected an error for an empty application name")
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"y", "YES", "t", "True", "ON", "1"} {
		got, err := parseBool(v)
		test.ExpectSuccess(t, err)
		test.Expect(t, "expected a truthy value for "+v, got, true)
	}
	for _, v := range []string{"n", "NO", "f", "False", "OFF", "0"} {
		got, err := parseBool(v)
		test.ExpectSuccess(t, err)
		test.Expect(t, "expected a falsy value for "+v, got, false)
	}
	if _, err := parseBool("maybe"); err == nil {
		t.Fatal("expected an error for an unparseable value")
	}
}
