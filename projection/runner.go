package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tessellic/annal/eventstore"
	"github.com/tessellic/annal/persistence"
	"golang.org/x/sync/errgroup"
)

// Runner drives a [Projection] over an upstream subscription on a dedicated
// worker goroutine.
//
// On start the runner recovers the projection's position from its tracking
// recorder and subscribes after it. Worker errors are fatal: the
// subscription is stopped, the error is recorded, and [Runner.RunForever]
// surfaces it so operators can decide what to do.
type Runner struct {
	upstream   *eventstore.EventStore
	view       persistence.TrackingRecorder
	projection Projection
	logger     *slog.Logger

	group    errgroup.Group
	sub      *eventstore.EventSubscription
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
	started  bool
}

// RunnerOption customizes a runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger used for worker lifecycle events.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner returns a runner that feeds the projection from the upstream
// store, recovering its cursor from view.
func NewRunner(
	upstream *eventstore.EventStore,
	view persistence.TrackingRecorder,
	projection Projection,
	options ...RunnerOption,
) *Runner {
	r := &Runner{
		upstream:   upstream,
		view:       view,
		projection: projection,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, fn := range options {
		fn(r)
	}
	return r
}

// Start recovers the cursor, opens the subscription and launches the
// worker. It returns without blocking; use [Runner.RunForever] to wait.
func (r *Runner) Start(ctx context.Context) error {
	if r.started {
		panic("runner is already started")
	}
	r.started = true

	cursor, _, err := r.view.MaxTrackingID(ctx, r.upstream.Name())
	if err != nil {
		return err
	}

	options := []persistence.SubscribeOption{
		persistence.FromNotificationID(cursor),
	}
	if f, ok := r.projection.(TopicFilterer); ok {
		if topics := f.Topics(); len(topics) > 0 {
			options = append(options, persistence.SubscribeTopics(topics...))
		}
	}

	sub, err := r.upstream.Subscribe(ctx, options...)
	if err != nil {
		return err
	}
	r.sub = sub

	// The worker outlives the Start call's context; it stops via Stop or on
	// its own error.
	workerCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.logger.Debug(
		"projection runner started",
		slog.String("projection", r.projection.Name()),
		slog.String("upstream", r.upstream.Name()),
		slog.Int64("cursor", cursor),
	)

	r.group.Go(func() error {
		return r.work(workerCtx)
	})
	go func() {
		r.err = r.group.Wait()
		r.sub.Stop()
		close(r.done)
	}()

	return nil
}

func (r *Runner) work(ctx context.Context) error {
	for {
		event, tracking, ok, err := r.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Stop canceled the worker context: an orderly stop.
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}

		if err := r.projection.ProcessEvent(ctx, event, tracking); err != nil {
			if persistence.IsTrackingConflict(err) {
				// The cursor is already recorded: this notification's work
				// was committed before a previous crash. Skip it.
				r.logger.Debug(
					"skipping already-processed notification",
					slog.String("projection", r.projection.Name()),
					slog.Int64("notification_id", tracking.NotificationID),
				)
				continue
			}

			r.logger.Error(
				"projection worker failed",
				slog.String("projection", r.projection.Name()),
				slog.Int64("notification_id", tracking.NotificationID),
				slog.Any("error", err),
			)
			return err
		}
	}
}

// RunForever blocks until the worker fails, the timeout elapses, or the
// runner is stopped. A timeout of zero means no timeout. It returns the
// worker's error, or nil on timeout or orderly stop.
func (r *Runner) RunForever(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-r.done:
		return r.err
	case <-expired:
		return nil
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	}
}

// Err returns the worker's terminal error, if any. It is meaningful once
// the runner has stopped.
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Stop terminates the worker and its subscription. It is idempotent and
// non-blocking.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.sub != nil {
			r.sub.Stop()
		}
	})
}
