package postgres_test

import (
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	. "github.com/tessellic/annal/persistence/driver/postgres"
	"github.com/tessellic/annal/persistence/recordertest"
)

// openDatastore connects to the database named by the ANNAL_TEST_POSTGRES_*
// environment variables, or skips the test when none is configured.
func openDatastore(t *testing.T) *Datastore {
	t.Helper()

	host := os.Getenv("ANNAL_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("set ANNAL_TEST_POSTGRES_HOST to run PostgreSQL integration tests")
	}

	ds, err := OpenDatastore(DatastoreConfig{
		Host:     host,
		Port:     envOr("ANNAL_TEST_POSTGRES_PORT", "5432"),
		DBName:   envOr("ANNAL_TEST_POSTGRES_DBNAME", "annal"),
		User:     envOr("ANNAL_TEST_POSTGRES_USER", "annal"),
		Password: envOr("ANNAL_TEST_POSTGRES_PASSWORD", "annal"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := ds.Close(); err != nil {
			t.Errorf("cannot close datastore: %s", err)
		}
	})

	return ds
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// tableName returns a unique table name so that parallel tests sharing one
// database do not interfere.
func tableName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return prefix + "_" + suffix
}

func TestAggregateRecorder(t *testing.T) {
	recordertest.RunAggregateTests(
		t,
		func(t *testing.T) persistence.AggregateRecorder {
			rec, err := NewAggregateRecorder(openDatastore(t), tableName("agg_events"))
			if err != nil {
				t.Fatal(err)
			}
			if err := rec.CreateSchema(test.Context(t)); err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}

func TestApplicationRecorder(t *testing.T) {
	recordertest.RunApplicationTests(
		t,
		func(t *testing.T) persistence.ApplicationRecorder {
			rec, err := NewApplicationRecorder(openDatastore(t), tableName("app_events"))
			if err != nil {
				t.Fatal(err)
			}
			if err := rec.CreateSchema(test.Context(t)); err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}

func TestTrackingRecorder(t *testing.T) {
	recordertest.RunTrackingTests(
		t,
		func(t *testing.T) persistence.TrackingRecorder {
			rec, err := NewTrackingRecorder(openDatastore(t), tableName("tracking"))
			if err != nil {
				t.Fatal(err)
			}
			if err := rec.CreateSchema(test.Context(t)); err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}

func TestProcessRecorder(t *testing.T) {
	recordertest.RunProcessTests(
		t,
		func(t *testing.T) persistence.ProcessRecorder {
			rec, err := NewProcessRecorder(
				openDatastore(t),
				tableName("proc_events"),
				tableName("proc_tracking"),
			)
			if err != nil {
				t.Fatal(err)
			}
			if err := rec.CreateSchema(test.Context(t)); err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}

func TestNewAggregateRecorder_rejectsInvalidTableName(t *testing.T) {
	ds, err := OpenDatastore(DatastoreConfig{Host: "localhost"})
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()

	// Construction validates the name without touching the database.
	if _, err := NewAggregateRecorder(ds, `events; DROP TABLE users`); err == nil {
		t.Fatal("expected an error for an invalid table name")
	}
}
