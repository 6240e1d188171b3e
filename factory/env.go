package factory

import (
	"fmt"
	"strings"

	"github.com/dogmatiq/ferrite"
)

// FerriteRegistry is a registry of the environment variables used by Annal.
var FerriteRegistry = ferrite.NewRegistry(
	"tessellic.annal",
	"Annal",
)

var (
	persistenceModule = ferrite.
				Enum("PERSISTENCE_MODULE", "the backing store used to record events").
				WithMembers(
			string(ModuleMemory),
			string(ModuleSQLite),
			string(ModulePostgres),
			string(ModuleDynamoDB),
		).
		WithDefault(string(ModuleMemory)).
		Required(ferrite.WithRegistry(FerriteRegistry))

	createTable = ferrite.
			String("CREATE_TABLE", "whether to attempt schema DDL on startup").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	compressorTopic = ferrite.
			String("COMPRESSOR_TOPIC", "the state compressor to apply (zlib or zstd)").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	cipherTopic = ferrite.
			String("CIPHER_TOPIC", "the state cipher to apply (aes)").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	cipherKey = ferrite.
			String("CIPHER_KEY", "the base64-encoded symmetric encryption key").
			WithSensitiveContent().
			Optional(ferrite.WithRegistry(FerriteRegistry))

	sqliteDBName = ferrite.
			String("SQLITE_DBNAME", "the SQLite database file path").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	sqliteLockTimeout = ferrite.
				Duration("SQLITE_LOCK_TIMEOUT", "the bound on acquiring the SQLite write lock").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresDBName = ferrite.
			String("POSTGRES_DBNAME", "the PostgreSQL database name").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresHost = ferrite.
			String("POSTGRES_HOST", "the PostgreSQL server host").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresPort = ferrite.
			String("POSTGRES_PORT", "the PostgreSQL server port").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresUser = ferrite.
			String("POSTGRES_USER", "the PostgreSQL user").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresPassword = ferrite.
				String("POSTGRES_PASSWORD", "the PostgreSQL password").
				WithSensitiveContent().
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresConnectTimeout = ferrite.
				Duration("POSTGRES_CONNECT_TIMEOUT", "the bound on establishing a connection").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresConnMaxAge = ferrite.
				Duration("POSTGRES_CONN_MAX_AGE", "the age at which pooled connections are retired").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresPoolSize = ferrite.
				Signed[int]("POSTGRES_POOL_SIZE", "the number of pooled connections held open").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresMaxOverflow = ferrite.
				Signed[int]("POSTGRES_MAX_OVERFLOW", "the number of connections that may be opened beyond the pool size").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresMaxWaiting = ferrite.
				Signed[int]("POSTGRES_MAX_WAITING", "the number of operations that may queue for a connection").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresPrePing = ferrite.
			String("POSTGRES_PRE_PING", "whether to validate connections with a round-trip before use").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresLockTimeout = ferrite.
				Duration("POSTGRES_LOCK_TIMEOUT", "the bound on acquiring the events table lock").
				Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresIdleInTransactionTimeout = ferrite.
						Duration("POSTGRES_IDLE_IN_TRANSACTION_SESSION_TIMEOUT", "the bound on sessions idling inside a transaction").
						Optional(ferrite.WithRegistry(FerriteRegistry))

	postgresSchema = ferrite.
			String("POSTGRES_SCHEMA", "the schema qualifying all table names").
			Optional(ferrite.WithRegistry(FerriteRegistry))

	dynamodbTable = ferrite.
			String("DYNAMODB_TABLE", "the DynamoDB events table name").
			Optional(ferrite.WithRegistry(FerriteRegistry))
)

// FromEnv returns a factory configured from the environment. The caller is
// expected to have called [ferrite.Init] during startup.
func FromEnv(applicationName string) (*Factory, error) {
	cfg := Config{
		Module:       Module(persistenceModule.Value()),
		CreateTables: true,
	}

	if v, ok := createTable.Value(); ok {
		truthy, err := parseBool(v)
		if err != nil {
			return nil, fmt.Errorf("CREATE_TABLE: %w", err)
		}
		cfg.CreateTables = truthy
	}

	if v, ok := compressorTopic.Value(); ok {
		cfg.CompressorTopic = v
	}
	if v, ok := cipherTopic.Value(); ok {
		cfg.CipherTopic = v
	}
	if v, ok := cipherKey.Value(); ok {
		cfg.CipherKey = v
	}

	if v, ok := sqliteDBName.Value(); ok {
		cfg.SQLite.Path = v
	}
	if v, ok := sqliteLockTimeout.Value(); ok {
		cfg.SQLite.LockTimeout = v
	}

	if v, ok := postgresDBName.Value(); ok {
		cfg.Postgres.DBName = v
	}
	if v, ok := postgresHost.Value(); ok {
		cfg.Postgres.Host = v
	}
	if v, ok := postgresPort.Value(); ok {
		cfg.Postgres.Port = v
	}
	if v, ok := postgresUser.Value(); ok {
		cfg.Postgres.User = v
	}
	if v, ok := postgresPassword.Value(); ok {
		cfg.Postgres.Password = v
	}
	if v, ok := postgresConnectTimeout.Value(); ok {
		cfg.Postgres.ConnectTimeout = v
	}
	if v, ok := postgresConnMaxAge.Value(); ok {
		cfg.Postgres.ConnMaxAge = v
	}
	if v, ok := postgresPoolSize.Value(); ok {
		cfg.Postgres.PoolSize = v
	}
	if v, ok := postgresMaxOverflow.Value(); ok {
		cfg.Postgres.MaxOverflow = v
	}
	if v, ok := postgresMaxWaiting.Value(); ok {
		cfg.Postgres.MaxWaiting = v
	}
	if v, ok := postgresPrePing.Value(); ok {
		truthy, err := parseBool(v)
		if err != nil {
			return nil, fmt.Errorf("POSTGRES_PRE_PING: %w", err)
		}
		cfg.Postgres.PrePing = truthy
	}
	if v, ok := postgresLockTimeout.Value(); ok {
		cfg.Postgres.LockTimeout = v
	}
	if v, ok := postgresIdleInTransactionTimeout.Value(); ok {
		cfg.Postgres.IdleInTransactionTimeout = v
	}
	if v, ok := postgresSchema.Value(); ok {
		cfg.Postgres.Schema = v
	}

	if v, ok := dynamodbTable.Value(); ok {
		cfg.DynamoDBTable = v
	}

	if cfg.Module == ModulePostgres {
		for key, value := range map[string]string{
			"POSTGRES_DBNAME": cfg.Postgres.DBName,
			"POSTGRES_HOST":   cfg.Postgres.Host,
			"POSTGRES_USER":   cfg.Postgres.User,
		} {
			if value == "" {
				return nil, fmt.Errorf("%s must be set when PERSISTENCE_MODULE is postgres", key)
			}
		}
	}
	if cfg.Module == ModuleSQLite && cfg.SQLite.Path == "" {
		return nil, fmt.Errorf("SQLITE_DBNAME must be set when PERSISTENCE_MODULE is sqlite")
	}

	return New(applicationName, cfg)
}

// parseBool parses the configuration surface's boolean literals,
// case-insensitively: y, yes, t, true, on and 1 are true; n, no, f, false,
// off and 0 are false.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
