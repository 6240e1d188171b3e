// Package sqlite provides recorders that persist events in a SQLite
// database file.
//
// SQLite permits a single writer at a time; the datastore funnels all writes
// through one connection while reads run concurrently against the WAL. The
// single writer makes commit order and notification-ID order coincide
// without any explicit locking.
//
// Subscriptions are served by bounded polling, accelerated by an in-process
// commit broadcast for writers sharing the same datastore.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/tessellic/annal/internal/signaling"
	"github.com/tessellic/annal/persistence"
)

// DefaultLockTimeout is the write-lock acquisition bound used when the
// configuration does not specify one.
const DefaultLockTimeout = 5 * time.Second

// DatastoreConfig describes a SQLite database to open.
type DatastoreConfig struct {
	// Path is the database file path. The special value ":memory:" opens a
	// private in-memory database shared by the datastore's recorders.
	Path string

	// LockTimeout bounds how long a writer waits for the database lock
	// before failing. Zero means [DefaultLockTimeout].
	LockTimeout time.Duration
}

// Datastore is a handle on a SQLite database, shared by any number of
// recorders.
type Datastore struct {
	writer *sql.DB
	reader *sql.DB

	// commits wakes subscriptions and bounded waits after each write
	// transaction commits. Writers in other processes are only observed by
	// polling.
	commits         signaling.Broadcast
	trackingCommits signaling.Broadcast
}

// OpenDatastore opens (creating if necessary) the configured database.
func OpenDatastore(cfg DatastoreConfig) (*Datastore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: database path must not be empty")
	}

	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	dsn := buildDSN(cfg.Path, timeout)

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}
	// All writes share one connection; SQLite serializes them anyway, and a
	// single connection avoids SQLITE_BUSY churn between our own writers.
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, mapError(err, persistence.IntegrityVersion)
	}

	return &Datastore{writer: writer, reader: reader}, nil
}

// Close closes the underlying database handles.
func (d *Datastore) Close() error {
	werr := d.writer.Close()
	rerr := d.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func buildDSN(path string, lockTimeout time.Duration) string {
	if path == ":memory:" {
		// A shared-cache in-memory database so the writer and reader handles
		// observe the same data.
		return fmt.Sprintf(
			"file:annal-%d?mode=memory&cache=shared&_busy_timeout=%d",
			memoryDatabaseSeq.next(),
			lockTimeout.Milliseconds(),
		)
	}

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprintf("%d", lockTimeout.Milliseconds()))
	q.Set("_synchronous", "NORMAL")

	return fmt.Sprintf("file:%s?%s", path, q.Encode())
}

// memoryDatabaseSeq distinguishes ":memory:" datastores from one another;
// shared-cache in-memory databases with the same name would otherwise alias.
var memoryDatabaseSeq counter

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// tableNamePattern constrains configurable table names, which are
// interpolated into SQL statements.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("sqlite: invalid table name %q", name)
	}
	return nil
}

// mapError converts a go-sqlite3 error to the persistence taxonomy. kind
// selects which uniqueness constraint the caller was exercising.
func mapError(err error, kind persistence.IntegrityKind) error {
	if err == nil {
		return nil
	}

	if e, ok := asSQLiteError(err); ok {
		switch e.Code {
		case sqlite3.ErrConstraint:
			return &persistence.IntegrityError{Kind: kind, Cause: err}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &persistence.PersistenceError{
				Kind:  persistence.PersistenceTimeout,
				Cause: err,
			}
		}
	}

	return &persistence.PersistenceError{
		Kind:  persistence.PersistenceTransport,
		Cause: err,
	}
}

func asSQLiteError(err error) (sqlite3.Error, bool) {
	for err != nil {
		if e, ok := err.(sqlite3.Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return sqlite3.Error{}, false
}
