// Package tailer implements the subscription protocol shared by all drivers:
// ordered catch-up over the recorded application sequence followed by a
// live tail that blocks until new events are committed.
package tailer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tessellic/annal/internal/signaling"
	"github.com/tessellic/annal/persistence"
)

// DefaultPollInterval bounds how long a subscription may remain blocked
// after new events have been committed, even if the driver's push mechanism
// fails to deliver a wakeup.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultBatchSize is the number of notifications fetched per catch-up read.
const DefaultBatchSize = 256

// SelectFunc reads committed notifications with IDs at or after start, in
// ascending order, up to limit results. The driver applies any topic filter
// at the source.
type SelectFunc func(ctx context.Context, start int64, limit int) ([]persistence.Notification, error)

// Waker supplies wake channels for the live tail. A nil Waker degrades to
// bounded polling.
type Waker interface {
	Signaled() <-chan struct{}
}

// Config describes a subscription to open.
type Config struct {
	// Select reads the next batch of notifications.
	Select SelectFunc

	// Waker wakes the tail when new events are committed. Optional.
	Waker Waker

	// After is the notification ID after which iteration starts.
	After int64

	// PollInterval bounds the time between tail reads when no wakeup
	// arrives. Zero means [DefaultPollInterval].
	PollInterval time.Duration

	// BatchSize is the catch-up read size. Zero means [DefaultBatchSize].
	BatchSize int

	// Release frees driver resources held by the subscription (listeners,
	// connections). It is called exactly once, on any termination path.
	Release func()

	// Logger receives subscription lifecycle events. Optional.
	Logger *slog.Logger
}

// Subscription is an implementation of [persistence.Subscription] that tails
// a growing notification sequence.
type Subscription struct {
	sel      SelectFunc
	waker    Waker
	interval time.Duration
	batch    int
	logger   *slog.Logger

	stop        signaling.Latch
	releaseOnce sync.Once
	release     func()

	// Iteration state, owned by the goroutine calling Next.
	next int64
	buf  []persistence.Notification
	err  error
}

var _ persistence.Subscription = (*Subscription)(nil)

// New opens a subscription with the given configuration.
func New(cfg Config) *Subscription {
	s := &Subscription{
		sel:      cfg.Select,
		waker:    cfg.Waker,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		logger:   cfg.Logger,
		release:  cfg.Release,
		next:     cfg.After + 1,
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if s.batch <= 0 {
		s.batch = DefaultBatchSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Next returns the next notification, blocking at the tail of the sequence
// until new events are committed, the context is canceled, or the
// subscription is stopped.
func (s *Subscription) Next(ctx context.Context) (persistence.Notification, bool, error) {
	if s.err != nil {
		return persistence.Notification{}, false, s.err
	}

	for {
		// Stop wins over buffered notifications so that termination is
		// prompt even mid-catch-up.
		if s.stop.IsSignaled() {
			return persistence.Notification{}, false, nil
		}

		if len(s.buf) > 0 {
			n := s.buf[0]
			s.buf = s.buf[1:]
			s.next = n.ID + 1
			return n, true, nil
		}

		// Arm the wake channel before reading so that a commit that lands
		// between the read and the wait is not missed.
		var wake <-chan struct{}
		if s.waker != nil {
			wake = s.waker.Signaled()
		}

		batch, err := s.sel(ctx, s.next, s.batch)
		if err != nil {
			return persistence.Notification{}, false, s.fail(err)
		}
		if len(batch) > 0 {
			s.buf = batch
			continue
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return persistence.Notification{}, false, s.fail(ctx.Err())
		case <-s.stop.Signaled():
			timer.Stop()
			return persistence.Notification{}, false, nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop terminates the subscription. It is idempotent and non-blocking.
func (s *Subscription) Stop() {
	s.stop.Signal()
	s.releaseResources()
}

func (s *Subscription) fail(err error) error {
	s.err = err
	s.stop.Signal()
	s.releaseResources()
	s.logger.Debug("subscription terminated", slog.Any("error", err))
	return err
}

func (s *Subscription) releaseResources() {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
