package persistence

import "context"

// A Subscription is a scoped, ordered, blocking iterator over the application
// sequence.
//
// Next yields committed notifications in strictly ascending ID order, each
// exactly once. When the recorded sequence is exhausted, Next blocks until
// new events are committed, the context is canceled, or the subscription is
// stopped.
//
// A subscription holds resources (connections, listeners) until it
// terminates; they are released on every exit path.
type Subscription interface {
	// Next returns the next notification in the sequence.
	//
	// ok is false when the subscription has terminated, either because Stop
	// was called or because a fatal storage error occurred, in which case
	// err carries the cause.
	Next(ctx context.Context) (n Notification, ok bool, err error)

	// Stop terminates the subscription. It is idempotent and non-blocking; a
	// blocked Next call wakes and returns promptly.
	Stop()
}
