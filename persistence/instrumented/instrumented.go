// Package instrumented decorates recorders with OpenTelemetry traces and
// metrics. The decorators add no behavior: every call is delegated
// unchanged, with a span around it and counters for operations, conflicts
// and recorded events.
package instrumented

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/tessellic/annal/persistence/instrumented"

// Options configure the decorators.
type Options struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Option customizes the telemetry providers; the defaults are the global
// OpenTelemetry providers.
type Option func(*Options)

// WithTracerProvider overrides the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// WithMeterProvider overrides the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Options) {
		o.MeterProvider = mp
	}
}

// instruments carries the tracer and metric instruments shared by the
// decorator variants.
type instruments struct {
	tracer trace.Tracer

	operations metric.Int64Counter
	conflicts  metric.Int64Counter
	events     metric.Int64Counter
	stateIO    metric.Int64Counter
}

func newInstruments(options []Option) (*instruments, error) {
	o := Options{
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}
	for _, fn := range options {
		fn(&o)
	}

	meter := o.MeterProvider.Meter(scope)

	in := &instruments{
		tracer: o.TracerProvider.Tracer(scope),
	}

	var err error
	if in.operations, err = meter.Int64Counter(
		"recorder.operations",
		metric.WithDescription("The number of recorder operations performed."),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if in.conflicts, err = meter.Int64Counter(
		"recorder.conflicts",
		metric.WithDescription("The number of operations that failed due to a uniqueness conflict."),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, err
	}
	if in.events, err = meter.Int64Counter(
		"recorder.events",
		metric.WithDescription("The number of events inserted and selected."),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if in.stateIO, err = meter.Int64Counter(
		"recorder.state.io",
		metric.WithDescription("The cumulative size of event state written and read."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return in, nil
}

func (in *instruments) span(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	in.operations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", name)))
	return in.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (in *instruments) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if persistence.IsVersionConflict(err) || persistence.IsTrackingConflict(err) {
			in.conflicts.Add(context.Background(), 1)
		}
	}
	span.End()
}

func (in *instruments) recordEvents(ctx context.Context, events []persistence.StoredEvent) {
	var bytes int64
	for _, ev := range events {
		bytes += int64(len(ev.State))
	}
	in.events.Add(ctx, int64(len(events)))
	in.stateIO.Add(ctx, bytes)
}

// AggregateRecorder instruments a [persistence.AggregateRecorder].
type AggregateRecorder struct {
	next persistence.AggregateRecorder
	in   *instruments
}

var _ persistence.AggregateRecorder = (*AggregateRecorder)(nil)

// NewAggregateRecorder decorates the given recorder.
func NewAggregateRecorder(next persistence.AggregateRecorder, options ...Option) (*AggregateRecorder, error) {
	in, err := newInstruments(options)
	if err != nil {
		return nil, err
	}
	return &AggregateRecorder{next: next, in: in}, nil
}

// CreateSchema delegates to the underlying recorder.
func (r *AggregateRecorder) CreateSchema(ctx context.Context) error {
	ctx, span := r.in.span(ctx, "recorder.create_schema")
	err := r.next.CreateSchema(ctx)
	r.in.end(span, err)
	return err
}

// InsertEvents delegates to the underlying recorder.
func (r *AggregateRecorder) InsertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	ctx, span := r.in.span(
		ctx,
		"recorder.insert_events",
		attribute.Int("event_count", len(events)),
	)

	recordings, err := r.next.InsertEvents(ctx, events, options...)
	if err == nil {
		r.in.recordEvents(ctx, events)
	}
	r.in.end(span, err)
	return recordings, err
}

// SelectEvents delegates to the underlying recorder.
func (r *AggregateRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	ctx, span := r.in.span(
		ctx,
		"recorder.select_events",
		attribute.String("originator_id", originatorID.String()),
	)

	events, err := r.next.SelectEvents(ctx, originatorID, options...)
	if err == nil {
		span.SetAttributes(attribute.Int("event_count", len(events)))
		r.in.recordEvents(ctx, events)
	}
	r.in.end(span, err)
	return events, err
}

// Close delegates to the underlying recorder.
func (r *AggregateRecorder) Close() error {
	return r.next.Close()
}

// ApplicationRecorder instruments a [persistence.ApplicationRecorder].
type ApplicationRecorder struct {
	AggregateRecorder
	next persistence.ApplicationRecorder
}

var _ persistence.ApplicationRecorder = (*ApplicationRecorder)(nil)

// NewApplicationRecorder decorates the given recorder.
func NewApplicationRecorder(next persistence.ApplicationRecorder, options ...Option) (*ApplicationRecorder, error) {
	in, err := newInstruments(options)
	if err != nil {
		return nil, err
	}
	return &ApplicationRecorder{
		AggregateRecorder: AggregateRecorder{next: next, in: in},
		next:              next,
	}, nil
}

// SelectNotifications delegates to the underlying recorder.
func (r *ApplicationRecorder) SelectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	options ...persistence.NotificationOption,
) ([]persistence.Notification, error) {
	ctx, span := r.in.span(
		ctx,
		"recorder.select_notifications",
		attribute.Int64("start", start),
		attribute.Int("limit", limit),
	)

	notifications, err := r.next.SelectNotifications(ctx, start, limit, options...)
	if err == nil {
		span.SetAttributes(attribute.Int("notification_count", len(notifications)))
	}
	r.in.end(span, err)
	return notifications, err
}

// MaxNotificationID delegates to the underlying recorder.
func (r *ApplicationRecorder) MaxNotificationID(ctx context.Context) (int64, error) {
	ctx, span := r.in.span(ctx, "recorder.max_notification_id")
	max, err := r.next.MaxNotificationID(ctx)
	r.in.end(span, err)
	return max, err
}

// Subscribe delegates to the underlying recorder.
func (r *ApplicationRecorder) Subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (persistence.Subscription, error) {
	ctx, span := r.in.span(ctx, "recorder.subscribe")
	sub, err := r.next.Subscribe(ctx, options...)
	r.in.end(span, err)
	return sub, err
}

// ProcessRecorder instruments a [persistence.ProcessRecorder].
type ProcessRecorder struct {
	ApplicationRecorder
	next persistence.ProcessRecorder
}

var _ persistence.ProcessRecorder = (*ProcessRecorder)(nil)

// NewProcessRecorder decorates the given recorder.
func NewProcessRecorder(next persistence.ProcessRecorder, options ...Option) (*ProcessRecorder, error) {
	in, err := newInstruments(options)
	if err != nil {
		return nil, err
	}
	return &ProcessRecorder{
		ApplicationRecorder: ApplicationRecorder{
			AggregateRecorder: AggregateRecorder{next: next, in: in},
			next:              next,
		},
		next: next,
	}, nil
}

// InsertTracking delegates to the underlying recorder.
func (r *ProcessRecorder) InsertTracking(ctx context.Context, tracking persistence.Tracking) error {
	ctx, span := r.in.span(
		ctx,
		"recorder.insert_tracking",
		attribute.String("application_name", tracking.ApplicationName),
		attribute.Int64("notification_id", tracking.NotificationID),
	)
	err := r.next.InsertTracking(ctx, tracking)
	r.in.end(span, err)
	return err
}

// MaxTrackingID delegates to the underlying recorder.
func (r *ProcessRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	ctx, span := r.in.span(ctx, "recorder.max_tracking_id")
	max, ok, err := r.next.MaxTrackingID(ctx, applicationName)
	r.in.end(span, err)
	return max, ok, err
}

// HasTrackingID delegates to the underlying recorder.
func (r *ProcessRecorder) HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	ctx, span := r.in.span(ctx, "recorder.has_tracking_id")
	ok, err := r.next.HasTrackingID(ctx, applicationName, notificationID)
	r.in.end(span, err)
	return ok, err
}

// WaitForTrackingID delegates to the underlying recorder.
func (r *ProcessRecorder) WaitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	ctx, span := r.in.span(ctx, "recorder.wait_for_tracking_id")
	err := r.next.WaitForTrackingID(ctx, applicationName, notificationID, timeout)
	r.in.end(span, err)
	return err
}
