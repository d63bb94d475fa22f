// Package trace provides the per-scan telemetry object. One Tracer is
// created when a scan starts, threaded through every component constructor,
// and shut down when the scan ends; there is no process-wide singleton.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/swarmsec/swarm/pkg/events"
)

const defaultRecentCap = 512

// Tracer records scan lifecycle events and exports spans for one scan.
type Tracer struct {
	scanID   string
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	logger   *slog.Logger

	mu     sync.Mutex
	recent []events.Event
	cap    int
	sink   func(events.Event)
}

// Option configures a Tracer.
type Option func(*options)

type options struct {
	endpoint string
	insecure bool
	logger   *slog.Logger
	sink     func(events.Event)
	cap      int
}

// WithOTLPEndpoint enables span export to an OTLP/HTTP collector.
func WithOTLPEndpoint(endpoint string, insecure bool) Option {
	return func(o *options) {
		o.endpoint = endpoint
		o.insecure = insecure
	}
}

// WithLogger sets the structured logger used for event echo.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSink registers a callback invoked for every emitted event.
func WithSink(sink func(events.Event)) Option {
	return func(o *options) { o.sink = sink }
}

// WithRecentCap bounds the in-memory event ring.
func WithRecentCap(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cap = n
		}
	}
}

// New creates the tracer for one scan.
func New(ctx context.Context, scanID string, opts ...Option) (*Tracer, error) {
	o := options{logger: slog.Default(), cap: defaultRecentCap}
	for _, opt := range opts {
		opt(&o)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "swarm"),
			attribute.String("scan.id", scanID),
		)),
	}
	if o.endpoint != "" {
		expOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(o.endpoint)}
		if o.insecure {
			expOpts = append(expOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("trace: create OTLP exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	return &Tracer{
		scanID:   scanID,
		provider: provider,
		tracer:   provider.Tracer("github.com/swarmsec/swarm"),
		logger:   o.logger.With("scan_id", scanID),
		cap:      o.cap,
		sink:     o.sink,
	}, nil
}

// ScanID returns the scan this tracer belongs to.
func (t *Tracer) ScanID() string { return t.scanID }

// Emit records one lifecycle event: it stamps scan id and timestamp, keeps it
// in the bounded ring, echoes it to the log, and forwards it to the sink.
func (t *Tracer) Emit(ev events.Event) {
	if t == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.ScanID = t.scanID

	t.mu.Lock()
	t.recent = append(t.recent, ev)
	if len(t.recent) > t.cap {
		t.recent = t.recent[len(t.recent)-t.cap:]
	}
	sink := t.sink
	t.mu.Unlock()

	t.logger.Debug("scan event", "type", string(ev.Type), "agent_id", ev.AgentID)
	if sink != nil {
		sink(ev)
	}
}

// Recent returns a copy of the retained events, oldest first.
func (t *Tracer) Recent() []events.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.Event, len(t.recent))
	copy(out, t.recent)
	return out
}

// StartSpan opens a span under the scan's tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Logger returns the scan-scoped structured logger.
func (t *Tracer) Logger() *slog.Logger { return t.logger }

// Close flushes and shuts down the span pipeline.
func (t *Tracer) Close(ctx context.Context) error {
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace: shutdown provider: %w", err)
	}
	return nil
}
