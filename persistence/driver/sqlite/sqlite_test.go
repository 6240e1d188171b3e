package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	. "github.com/tessellic/annal/persistence/driver/sqlite"
	"github.com/tessellic/annal/persistence/recordertest"
)

func openDatastore(t *testing.T) *Datastore {
	t.Helper()

	ds, err := OpenDatastore(DatastoreConfig{
		Path: filepath.Join(t.TempDir(), "annal.sqlite"),
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

func TestAggregateRecorder(t *testing.T) {
	recordertest.RunAggregateTests(
		t,
		func(t *testing.T) persistence.AggregateRecorder {
			rec, err := NewAggregateRecorder(openDatastore(t), "stored_events")
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
			rec, err := NewApplicationRecorder(openDatastore(t), "stored_events")
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
			rec, err := NewTrackingRecorder(openDatastore(t), "notification_tracking")
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
			rec, err := NewProcessRecorder(openDatastore(t), "stored_events", "notification_tracking")
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
	_, err := NewAggregateRecorder(openDatastore(t), `events; DROP TABLE users`)
	if err == nil {
		t.Fatal("expected an error for an invalid table name")
	}
}

func TestCreateSchema_isIdempotent(t *testing.T) {
	ctx := test.Context(t)

	rec, err := NewProcessRecorder(openDatastore(t), "stored_events", "notification_tracking")
	if err != nil {
		t.Fatal(err)
	}

	test.ExpectSuccess(t, rec.CreateSchema(ctx))
	test.ExpectSuccess(t, rec.CreateSchema(ctx))
}
