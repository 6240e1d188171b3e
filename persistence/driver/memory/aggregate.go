package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
)

// AggregateRecorder is an implementation of [persistence.AggregateRecorder]
// that stores events in memory.
type AggregateRecorder struct {
	s *store
}

var _ persistence.AggregateRecorder = (*AggregateRecorder)(nil)

// NewAggregateRecorder returns a recorder for per-aggregate event sequences
// with no application sequence.
func NewAggregateRecorder() *AggregateRecorder {
	return &AggregateRecorder{s: newStore(false, false)}
}

// CreateSchema is a no-op; in-memory structures need no schema.
func (r *AggregateRecorder) CreateSchema(ctx context.Context) error {
	return r.s.createSchema(ctx)
}

// InsertEvents atomically records the given events.
func (r *AggregateRecorder) InsertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	return r.s.insertEvents(ctx, events, options...)
}

// SelectEvents returns the events of the given originator.
func (r *AggregateRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	return r.s.selectEvents(ctx, originatorID, options...)
}

// Close discards the recorder's state.
func (r *AggregateRecorder) Close() error {
	return r.s.close()
}
