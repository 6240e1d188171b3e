// Package postgres provides recorders that persist events in a PostgreSQL
// database.
//
// Inserts take an EXCLUSIVE lock on the events table for the duration of the
// transaction. The lock serializes writers so that notification IDs are
// committed in assignment order, which lets tailers treat the highest
// committed ID as a safe high-water mark. SELECTs acquire ACCESS SHARE,
// which the EXCLUSIVE mode does not block, so reads proceed concurrently.
//
// Subscriptions are woken by LISTEN/NOTIFY; each committing insert sends a
// notification on a channel derived from the events table name. A bounded
// poll covers notifications lost across connection resets.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
	"github.com/tessellic/annal/persistence"
	"golang.org/x/sync/semaphore"
)

// Defaults applied by [OpenDatastore] when the corresponding configuration
// field is zero.
const (
	DefaultPoolSize    = 5
	DefaultMaxOverflow = 10
	DefaultMaxWaiting  = 16
	DefaultLockTimeout = 5 * time.Second
)

// DatastoreConfig describes a PostgreSQL database to connect to.
type DatastoreConfig struct {
	// DBName, Host, Port, User and Password identify the database and the
	// credentials used to reach it.
	DBName   string
	Host     string
	Port     string
	User     string
	Password string

	// SSLMode is the libpq sslmode parameter. Empty means "disable".
	SSLMode string

	// ConnectTimeout bounds the time spent establishing a connection.
	ConnectTimeout time.Duration

	// PoolSize is the number of pooled connections held open. MaxOverflow
	// connections may be opened beyond that under load, and up to
	// MaxWaiting operations may queue for a connection before new arrivals
	// fail with a pool-exhausted error.
	PoolSize    int
	MaxOverflow int
	MaxWaiting  int

	// ConnMaxAge retires connections older than the given age on return to
	// the pool. Zero means connections are reused indefinitely.
	ConnMaxAge time.Duration

	// PrePing validates a connection with a round-trip before each
	// transaction.
	PrePing bool

	// LockTimeout bounds how long an insert waits for the table lock. Zero
	// means [DefaultLockTimeout].
	LockTimeout time.Duration

	// IdleInTransactionTimeout terminates sessions that sit idle in an open
	// transaction, as a backstop against abandoned locks. Zero disables it.
	IdleInTransactionTimeout time.Duration

	// Schema qualifies all table names. Empty means the default search
	// path.
	Schema string
}

// Datastore is a pooled connection handle on a PostgreSQL database, shared
// by any number of recorders.
type Datastore struct {
	db  *sql.DB
	cfg DatastoreConfig
	dsn string

	sem     *semaphore.Weighted
	waiting atomic.Int64
}

// OpenDatastore opens a connection pool for the configured database.
func OpenDatastore(cfg DatastoreConfig) (*Datastore, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	} else if cfg.MaxOverflow == 0 {
		cfg.MaxOverflow = DefaultMaxOverflow
	}
	if cfg.MaxWaiting <= 0 {
		cfg.MaxWaiting = DefaultMaxWaiting
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Schema != "" {
		if err := checkIdentifier(cfg.Schema); err != nil {
			return nil, err
		}
	}

	dsn := buildDSN(cfg)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	return &Datastore{
		db:  db,
		cfg: cfg,
		dsn: dsn,
		sem: semaphore.NewWeighted(int64(cfg.PoolSize + cfg.MaxOverflow)),
	}, nil
}

// Close closes the connection pool.
func (d *Datastore) Close() error {
	return d.db.Close()
}

// acquire admits one operation to the pool, or fails with a pool-exhausted
// error when every connection is busy and the wait queue is full. The
// returned function must be called when the operation completes.
func (d *Datastore) acquire(ctx context.Context) (func(), error) {
	if !d.sem.TryAcquire(1) {
		if d.waiting.Load() >= int64(d.cfg.MaxWaiting) {
			return nil, &persistence.PersistenceError{
				Kind: persistence.PersistencePoolExhausted,
				Cause: fmt.Errorf(
					"%d connections busy and %d operations waiting",
					d.cfg.PoolSize+d.cfg.MaxOverflow,
					d.cfg.MaxWaiting,
				),
			}
		}

		d.waiting.Add(1)
		err := d.sem.Acquire(ctx, 1)
		d.waiting.Add(-1)
		if err != nil {
			return nil, err
		}
	}

	if d.cfg.PrePing {
		if err := d.db.PingContext(ctx); err != nil {
			d.sem.Release(1)
			return nil, mapError(err, persistence.IntegrityVersion)
		}
	}

	return func() { d.sem.Release(1) }, nil
}

// qualify prefixes a table name with the configured schema.
func (d *Datastore) qualify(table string) string {
	if d.cfg.Schema == "" {
		return table
	}
	return d.cfg.Schema + "." + table
}

func buildDSN(cfg DatastoreConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	var b strings.Builder
	write := func(key, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s='%s' ", key, strings.ReplaceAll(value, "'", `\'`))
	}

	write("dbname", cfg.DBName)
	write("host", cfg.Host)
	write("port", cfg.Port)
	write("user", cfg.User)
	write("password", cfg.Password)
	write("sslmode", sslMode)
	if cfg.ConnectTimeout > 0 {
		write("connect_timeout", fmt.Sprintf("%d", int(cfg.ConnectTimeout.Seconds())))
	}

	var options []string
	if cfg.IdleInTransactionTimeout > 0 {
		options = append(options, fmt.Sprintf(
			"-c idle_in_transaction_session_timeout=%d",
			cfg.IdleInTransactionTimeout.Milliseconds(),
		))
	}
	if cfg.Schema != "" {
		options = append(options, fmt.Sprintf("-c search_path=%s,public", cfg.Schema))
	}
	if len(options) > 0 {
		write("options", strings.Join(options, " "))
	}

	return strings.TrimSpace(b.String())
}

// notifyChannel derives the NOTIFY channel for an events table. The hash
// keeps the channel name within PostgreSQL's identifier length limit
// regardless of the table name.
func notifyChannel(schema, table string) string {
	return fmt.Sprintf("annal_%016x", xxhash.Sum64String(schema+"."+table))
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("postgres: invalid identifier %q", name)
	}
	return nil
}

// mapError converts a lib/pq error to the persistence taxonomy. kind selects
// which uniqueness constraint the caller was exercising.
func mapError(err error, kind persistence.IntegrityKind) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return &persistence.IntegrityError{Kind: kind, Cause: err}
		case "55P03", "40P01": // lock_not_available, deadlock_detected
			return &persistence.PersistenceError{
				Kind:  persistence.PersistenceTimeout,
				Cause: err,
			}
		case "57014": // query_canceled (statement/lock timeout cancellation)
			return &persistence.PersistenceError{
				Kind:  persistence.PersistenceTimeout,
				Cause: err,
			}
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return &persistence.PersistenceError{
				Kind:  persistence.PersistenceTransport,
				Cause: err,
			}
		}
		return &persistence.PersistenceError{
			Kind:  persistence.PersistenceTransport,
			Cause: err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return &persistence.PersistenceError{
			Kind:  persistence.PersistenceTransport,
			Cause: err,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &persistence.PersistenceError{
		Kind:  persistence.PersistenceTransport,
		Cause: err,
	}
}
