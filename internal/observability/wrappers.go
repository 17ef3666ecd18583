package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

// InstrumentedBackend wraps a sandbox.Backend with metrics, tracing and
// anomaly detection. It forwards Stats when the inner backend reports them.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a backend with observability. Any of the
// observability arguments may be nil.
func NewInstrumentedBackend(inner sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

// Instrument wraps inner using the facade's components. A nil facade
// returns inner unchanged.
func (o *Observability) Instrument(inner sandbox.Backend) sandbox.Backend {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return inner
	}
	return NewInstrumentedBackend(inner, o.Metrics, o.Tracer, o.Anomaly)
}

// Unwrap returns the wrapped backend.
func (b *InstrumentedBackend) Unwrap() sandbox.Backend { return b.inner }

func (b *InstrumentedBackend) Name() string { return b.inner.Name() }

func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	ctx, end := b.start(ctx, "ping", "")
	err := b.inner.Ping(ctx)
	end(err, "")
	return err
}

func (b *InstrumentedBackend) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	ctx, end := b.start(ctx, "create", spec.ID)
	h, err := b.inner.Create(ctx, spec)
	end(err, "")
	return h, err
}

func (b *InstrumentedBackend) Run(ctx context.Context, h *sandbox.Handle, cmd sandbox.Command) (*sandbox.Output, error) {
	ctx, end := b.start(ctx, "run", h.ID)
	out, err := b.inner.Run(ctx, h, cmd)

	status := ""
	if err == nil && out != nil && out.ExitCode != 0 {
		status = "nonzero_exit"
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
	}
	end(err, status)
	return out, err
}

func (b *InstrumentedBackend) Diff(ctx context.Context, h *sandbox.Handle) (string, error) {
	ctx, end := b.start(ctx, "diff", h.ID)
	d, err := b.inner.Diff(ctx, h)
	end(err, "")
	return d, err
}

func (b *InstrumentedBackend) Merge(ctx context.Context, h *sandbox.Handle) error {
	ctx, end := b.start(ctx, "merge", h.ID)
	err := b.inner.Merge(ctx, h)
	end(err, "")
	return err
}

func (b *InstrumentedBackend) Alive(ctx context.Context, h *sandbox.Handle) (bool, error) {
	ctx, end := b.start(ctx, "alive", h.ID)
	ok, err := b.inner.Alive(ctx, h)
	end(err, "")
	return ok, err
}

func (b *InstrumentedBackend) Destroy(ctx context.Context, h *sandbox.Handle) error {
	ctx, end := b.start(ctx, "destroy", h.ID)
	err := b.inner.Destroy(ctx, h)
	end(err, "")
	return err
}

// Stats forwards to the inner backend. It returns nil, nil when the inner
// backend cannot report stats, matching the registry's contract.
func (b *InstrumentedBackend) Stats(ctx context.Context, h *sandbox.Handle) (*sandbox.Stats, error) {
	reporter, ok := b.inner.(sandbox.StatsReporter)
	if !ok {
		return nil, nil
	}
	return reporter.Stats(ctx, h)
}

// start opens a span for op and returns a func that records the outcome.
// status overrides the derived "success"/"error" label when non-empty.
func (b *InstrumentedBackend) start(ctx context.Context, op, sandboxID string) (context.Context, func(err error, status string)) {
	backend := b.inner.Name()
	attrs := []attribute.KeyValue{attribute.String("sandbox.backend", backend)}
	if sandboxID != "" {
		attrs = append(attrs, attribute.String("sandbox.id", sandboxID))
	}
	ctx, endSpan := startSpan(ctx, b.tracer, "backend."+op, attrs...)
	began := time.Now()

	return ctx, func(err error, status string) {
		endSpan(err)
		if status == "" {
			status = "success"
			if err != nil {
				status = "error"
			}
		}
		if b.metrics != nil {
			b.metrics.BackendOpsTotal.WithLabelValues(backend, op, status).Inc()
			b.metrics.BackendOpDuration.WithLabelValues(backend, op).Observe(time.Since(began).Seconds())
		}
		// Liveness probes are excluded: a vanished environment is not a backend fault.
		if b.anomaly != nil && op != "alive" {
			key := backend + "." + op
			if err != nil {
				b.anomaly.RecordError(key)
			} else {
				b.anomaly.RecordSuccess(key)
			}
		}
	}
}

var (
	_ sandbox.Backend       = (*InstrumentedBackend)(nil)
	_ sandbox.StatsReporter = (*InstrumentedBackend)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
