// Package factory composes datastores, recorders, mappers and event stores
// for a named application, either from an explicit [Config] or from the
// environment.
package factory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/tessellic/annal/codec"
	"github.com/tessellic/annal/compression"
	"github.com/tessellic/annal/encryption"
	"github.com/tessellic/annal/eventstore"
	"github.com/tessellic/annal/persistence"
	"github.com/tessellic/annal/persistence/driver/dynamodb"
	"github.com/tessellic/annal/persistence/driver/memory"
	"github.com/tessellic/annal/persistence/driver/postgres"
	"github.com/tessellic/annal/persistence/driver/sqlite"
)

// Module identifies a backing-store implementation.
type Module string

const (
	ModuleMemory   Module = "memory"
	ModuleSQLite   Module = "sqlite"
	ModulePostgres Module = "postgres"
	ModuleDynamoDB Module = "dynamodb"
)

// Config describes how to build the persistence stack for one application.
type Config struct {
	// Module selects the backing store. Empty means [ModuleMemory].
	Module Module

	// CreateTables attempts schema DDL when a recorder is built. It is
	// ignored by stores whose tables are managed externally.
	CreateTables bool

	// CompressorTopic enables state compression: "zlib" or "zstd". Empty
	// disables compression.
	CompressorTopic string

	// CipherTopic enables state encryption: "aes". Empty disables
	// encryption. CipherKey is the base64-encoded key.
	CipherTopic string
	CipherKey   string

	// SQLite configures the file-backed store when Module is
	// [ModuleSQLite].
	SQLite sqlite.DatastoreConfig

	// Postgres configures the server-based store when Module is
	// [ModulePostgres].
	Postgres postgres.DatastoreConfig

	// DynamoDBTable is the events table when Module is [ModuleDynamoDB].
	// DynamoDBClient overrides the client built from the ambient AWS
	// configuration.
	DynamoDBTable  string
	DynamoDBClient *awsdynamodb.Client
}

// Factory builds the persistence stack for one named application.
//
// A factory opens at most one datastore; all recorders it constructs share
// that datastore's connections, locks and wake signals.
type Factory struct {
	name string
	cfg  Config

	mu       sync.Mutex
	sqliteDS *sqlite.Datastore
	pgDS     *postgres.Datastore
	memory   *memoryStores
}

// memoryStores caches in-memory recorders, which hold their own state: two
// recorders of the same variant must share it.
type memoryStores struct {
	application *memory.ApplicationRecorder
	process     *memory.ProcessRecorder
	tracking    *memory.TrackingRecorder
	aggregates  map[string]*memory.AggregateRecorder
}

// New returns a factory for the named application.
func New(applicationName string, cfg Config) (*Factory, error) {
	if applicationName == "" {
		return nil, fmt.Errorf("application name must not be empty")
	}
	if cfg.Module == "" {
		cfg.Module = ModuleMemory
	}
	switch cfg.Module {
	case ModuleMemory, ModuleSQLite, ModulePostgres, ModuleDynamoDB:
	default:
		return nil, fmt.Errorf("unknown persistence module %q", cfg.Module)
	}

	return &Factory{
		name: applicationName,
		cfg:  cfg,
		memory: &memoryStores{
			aggregates: map[string]*memory.AggregateRecorder{},
		},
	}, nil
}

// Name returns the application name.
func (f *Factory) Name() string {
	return f.name
}

// eventsTableName derives the events table name, matching the
// "<application>_events" convention.
func (f *Factory) eventsTableName() string {
	return strings.ToLower(f.name) + "_events"
}

func (f *Factory) trackingTableName() string {
	return strings.ToLower(f.name) + "_tracking"
}

// AggregateRecorder builds an aggregate recorder. purpose distinguishes
// multiple recorders of one application, such as "events" and "snapshots".
func (f *Factory) AggregateRecorder(ctx context.Context, purpose string) (persistence.AggregateRecorder, error) {
	if purpose == "" {
		purpose = "events"
	}
	table := strings.ToLower(f.name) + "_" + purpose

	switch f.cfg.Module {
	case ModuleMemory:
		f.mu.Lock()
		rec, ok := f.memory.aggregates[purpose]
		if !ok {
			rec = memory.NewAggregateRecorder()
			f.memory.aggregates[purpose] = rec
		}
		f.mu.Unlock()
		return rec, nil

	case ModuleSQLite:
		ds, err := f.sqliteDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := sqlite.NewAggregateRecorder(ds, table)
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModulePostgres:
		ds, err := f.postgresDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := postgres.NewAggregateRecorder(ds, table)
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModuleDynamoDB:
		client, err := f.dynamoClient(ctx)
		if err != nil {
			return nil, err
		}
		rec := &dynamodb.AggregateRecorder{
			DB:    client,
			Table: f.dynamoTableName(),
		}
		return rec, f.bootstrap(ctx, rec)
	}

	return nil, fmt.Errorf("unknown persistence module %q", f.cfg.Module)
}

// ApplicationRecorder builds an application recorder. Stores without an
// application sequence fail with a [persistence.CapabilityError].
func (f *Factory) ApplicationRecorder(ctx context.Context) (persistence.ApplicationRecorder, error) {
	switch f.cfg.Module {
	case ModuleMemory:
		f.mu.Lock()
		if f.memory.application == nil {
			f.memory.application = memory.NewApplicationRecorder()
		}
		rec := f.memory.application
		f.mu.Unlock()
		return rec, nil

	case ModuleSQLite:
		ds, err := f.sqliteDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := sqlite.NewApplicationRecorder(ds, f.eventsTableName())
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModulePostgres:
		ds, err := f.postgresDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := postgres.NewApplicationRecorder(ds, f.eventsTableName())
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModuleDynamoDB:
		return nil, &persistence.CapabilityError{Kind: persistence.CapabilitySubscribe}
	}

	return nil, fmt.Errorf("unknown persistence module %q", f.cfg.Module)
}

// TrackingRecorder builds a tracking recorder for a downstream consumer.
func (f *Factory) TrackingRecorder(ctx context.Context) (persistence.TrackingRecorder, error) {
	switch f.cfg.Module {
	case ModuleMemory:
		f.mu.Lock()
		if f.memory.tracking == nil {
			f.memory.tracking = memory.NewTrackingRecorder()
		}
		rec := f.memory.tracking
		f.mu.Unlock()
		return rec, nil

	case ModuleSQLite:
		ds, err := f.sqliteDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := sqlite.NewTrackingRecorder(ds, f.trackingTableName())
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModulePostgres:
		ds, err := f.postgresDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := postgres.NewTrackingRecorder(ds, f.trackingTableName())
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModuleDynamoDB:
		return nil, &persistence.CapabilityError{Kind: persistence.CapabilitySubscribe}
	}

	return nil, fmt.Errorf("unknown persistence module %q", f.cfg.Module)
}

// ProcessRecorder builds a process recorder joining events and tracking in
// one transaction.
func (f *Factory) ProcessRecorder(ctx context.Context) (persistence.ProcessRecorder, error) {
	switch f.cfg.Module {
	case ModuleMemory:
		f.mu.Lock()
		if f.memory.process == nil {
			f.memory.process = memory.NewProcessRecorder()
		}
		rec := f.memory.process
		f.mu.Unlock()
		return rec, nil

	case ModuleSQLite:
		ds, err := f.sqliteDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := sqlite.NewProcessRecorder(ds, f.eventsTableName(), f.trackingTableName())
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModulePostgres:
		ds, err := f.postgresDatastore()
		if err != nil {
			return nil, err
		}
		rec, err := postgres.NewProcessRecorder(ds, f.eventsTableName(), f.trackingTableName())
		if err != nil {
			return nil, err
		}
		return rec, f.bootstrap(ctx, rec)

	case ModuleDynamoDB:
		return nil, &persistence.CapabilityError{Kind: persistence.CapabilitySubscribe}
	}

	return nil, fmt.Errorf("unknown persistence module %q", f.cfg.Module)
}

// Transcoder builds the configured transcoder with the default
// transcodings.
func (f *Factory) Transcoder(transcodings ...codec.Transcoding) (codec.Transcoder, error) {
	return codec.NewJSONTranscoder(transcodings...)
}

// Mapper builds a mapper over the given type registry, applying the
// configured compression and encryption.
func (f *Factory) Mapper(types *eventstore.TypeRegistry, transcodings ...codec.Transcoding) (*eventstore.Mapper, error) {
	transcoder, err := f.Transcoder(transcodings...)
	if err != nil {
		return nil, err
	}

	var options []eventstore.MapperOption

	switch f.cfg.CompressorTopic {
	case "":
	case "zlib":
		options = append(options, eventstore.WithCompressor(compression.Zlib{}))
	case "zstd":
		zstd, err := compression.NewZstd()
		if err != nil {
			return nil, err
		}
		options = append(options, eventstore.WithCompressor(zstd))
	default:
		return nil, fmt.Errorf("unknown compressor topic %q", f.cfg.CompressorTopic)
	}

	switch f.cfg.CipherTopic {
	case "":
	case "aes":
		cipher, err := encryption.NewAESGCMFromBase64(f.cfg.CipherKey)
		if err != nil {
			return nil, err
		}
		options = append(options, eventstore.WithCipher(cipher))
	default:
		return nil, fmt.Errorf("unknown cipher topic %q", f.cfg.CipherTopic)
	}

	return eventstore.NewMapper(types, transcoder, options...), nil
}

// EventStore builds the application's event store, with subscriptions when
// the backing store supports them.
func (f *Factory) EventStore(
	ctx context.Context,
	types *eventstore.TypeRegistry,
	transcodings ...codec.Transcoding,
) (*eventstore.EventStore, error) {
	mapper, err := f.Mapper(types, transcodings...)
	if err != nil {
		return nil, err
	}

	if f.cfg.Module == ModuleDynamoDB {
		rec, err := f.AggregateRecorder(ctx, "events")
		if err != nil {
			return nil, err
		}
		return eventstore.New(f.name, mapper, rec), nil
	}

	rec, err := f.ApplicationRecorder(ctx)
	if err != nil {
		return nil, err
	}
	return eventstore.NewWithSubscriptions(f.name, mapper, rec)
}

// Close releases the factory's datastore, if one was opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.sqliteDS != nil {
		err = f.sqliteDS.Close()
		f.sqliteDS = nil
	}
	if f.pgDS != nil {
		if e := f.pgDS.Close(); err == nil {
			err = e
		}
		f.pgDS = nil
	}
	return err
}

type schemaCreator interface {
	CreateSchema(ctx context.Context) error
}

func (f *Factory) bootstrap(ctx context.Context, rec schemaCreator) error {
	if !f.cfg.CreateTables {
		return nil
	}
	return rec.CreateSchema(ctx)
}

func (f *Factory) sqliteDatastore() (*sqlite.Datastore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sqliteDS == nil {
		ds, err := sqlite.OpenDatastore(f.cfg.SQLite)
		if err != nil {
			return nil, err
		}
		f.sqliteDS = ds
	}
	return f.sqliteDS, nil
}

func (f *Factory) postgresDatastore() (*postgres.Datastore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pgDS == nil {
		ds, err := postgres.OpenDatastore(f.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		f.pgDS = ds
	}
	return f.pgDS, nil
}

func (f *Factory) dynamoTableName() string {
	if f.cfg.DynamoDBTable != "" {
		return f.cfg.DynamoDBTable
	}
	return f.eventsTableName()
}

func (f *Factory) dynamoClient(ctx context.Context) (*awsdynamodb.Client, error) {
	if f.cfg.DynamoDBClient != nil {
		return f.cfg.DynamoDBClient, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return awsdynamodb.NewFromConfig(awsCfg), nil
}
