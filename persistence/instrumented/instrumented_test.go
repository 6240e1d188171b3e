package instrumented_test

import (
	"testing"

	"github.com/tessellic/annal/persistence"
	"github.com/tessellic/annal/persistence/driver/memory"
	. "github.com/tessellic/annal/persistence/instrumented"
	"github.com/tessellic/annal/persistence/recordertest"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// The decorators must be behaviorally transparent, so the full acceptance
// suite runs against a decorated recorder.
func TestProcessRecorder(t *testing.T) {
	recordertest.RunProcessTests(
		t,
		func(t *testing.T) persistence.ProcessRecorder {
			rec, err := NewProcessRecorder(
				memory.NewProcessRecorder(),
				WithTracerProvider(nooptrace.NewTracerProvider()),
				WithMeterProvider(noopmetric.NewMeterProvider()),
			)
			if err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}

func TestAggregateRecorder(t *testing.T) {
	recordertest.RunAggregateTests(
		t,
		func(t *testing.T) persistence.AggregateRecorder {
			rec, err := NewAggregateRecorder(
				memory.NewAggregateRecorder(),
				WithTracerProvider(nooptrace.NewTracerProvider()),
				WithMeterProvider(noopmetric.NewMeterProvider()),
			)
			if err != nil {
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
			rec, err := NewApplicationRecorder(
				memory.NewApplicationRecorder(),
				WithTracerProvider(nooptrace.NewTracerProvider()),
				WithMeterProvider(noopmetric.NewMeterProvider()),
			)
			if err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}
