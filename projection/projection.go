// Package projection drives user read-model projections over an application
// subscription, with durable cursors and effectively-exactly-once delivery.
package projection

import (
	"context"

	"github.com/tessellic/annal/eventstore"
	"github.com/tessellic/annal/persistence"
)

// A Projection consumes notifications from an upstream application and
// maintains a read model.
//
// ProcessEvent must persist its side-effects atomically with the given
// tracking cursor, using a tracking or process recorder the projection
// controls. That atomic insert is the commit barrier: after a crash the
// runner re-delivers unacknowledged events, and the cursor's uniqueness
// constraint makes a retry of already-committed work fail fast with a
// tracking conflict, which the runner treats as "already done". The
// combination yields exactly-once side-effects from at-least-once delivery.
type Projection interface {
	// Name identifies the projection; it scopes configuration and derived
	// storage names.
	Name() string

	// ProcessEvent applies one event to the read model.
	ProcessEvent(ctx context.Context, event eventstore.DomainEvent, tracking persistence.Tracking) error
}

// A TopicFilterer is a [Projection] that consumes only some topics. The
// runner narrows the subscription accordingly.
type TopicFilterer interface {
	Topics() []string
}
