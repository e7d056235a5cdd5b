package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ionhpc/ion/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "ion"
)

// Runtime exposes OpenTelemetry spans and metric hooks for the parse and
// ingest pipeline. A nil or disabled Runtime is safe to use; every method
// becomes a no-op.
type Runtime struct {
	enabled bool
	tracer  oteltrace.Tracer

	parsedEventsCounter      metric.Int64Counter
	skippedLinesCounter      metric.Int64Counter
	parseDurationHistogram   metric.Float64Histogram
	traceEnqueuedCounter     metric.Int64Counter
	traceQueueDroppedCounter metric.Int64Counter
	traceWriteFailedCounter  metric.Int64Counter
	traceFlushHistogram      metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.createInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) createInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.parsedEventsCounter, err = meter.Int64Counter(
		"ion.parse.events_total",
		metric.WithDescription("Count of I/O events extracted from DXT traces."),
	)
	warn("ion.parse.events_total", err)

	r.skippedLinesCounter, err = meter.Int64Counter(
		"ion.parse.skipped_lines_total",
		metric.WithDescription("Count of malformed data lines skipped while parsing."),
	)
	warn("ion.parse.skipped_lines_total", err)

	r.parseDurationHistogram, err = meter.Float64Histogram(
		"ion.parse.duration",
		metric.WithDescription("Time spent parsing and annotating one trace."),
		metric.WithUnit("s"),
	)
	warn("ion.parse.duration", err)

	r.traceEnqueuedCounter, err = meter.Int64Counter(
		"ion.trace.enqueued_total",
		metric.WithDescription("Count of parsed traces accepted by the storage writer."),
	)
	warn("ion.trace.enqueued_total", err)

	r.traceQueueDroppedCounter, err = meter.Int64Counter(
		"ion.trace.queue_dropped_total",
		metric.WithDescription("Count of traces dropped because the storage queue was full."),
	)
	warn("ion.trace.queue_dropped_total", err)

	r.traceWriteFailedCounter, err = meter.Int64Counter(
		"ion.trace.write_failed_total",
		metric.WithDescription("Count of traces dropped after storage write failures."),
	)
	warn("ion.trace.write_failed_total", err)

	r.traceFlushHistogram, err = meter.Float64Histogram(
		"ion.trace.flush.duration",
		metric.WithDescription("Time spent flushing one batch of traces to storage."),
		metric.WithUnit("s"),
	)
	warn("ion.trace.flush.duration", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// ParseResult summarizes one finished parse for StartParseSpan's end hook.
type ParseResult struct {
	Events       int
	SkippedLines int
	Err          error
}

// StartParseSpan opens an "ion.trace.parse" span for source. The returned
// function ends the span and records the parse counters and duration.
func (r *Runtime) StartParseSpan(ctx context.Context, source string) (context.Context, func(ParseResult)) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.Enabled() {
		return ctx, func(ParseResult) {}
	}

	start := time.Now()
	var span oteltrace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "ion.trace.parse",
			oteltrace.WithAttributes(attribute.String("ion.trace.source", ScrubCredentials(source))),
		)
	}

	return ctx, func(result ParseResult) {
		outcome := "ok"
		if result.Err != nil {
			outcome = "error"
		}
		if span != nil {
			span.SetAttributes(
				attribute.Int("ion.trace.events", result.Events),
				attribute.Int("ion.trace.skipped_lines", result.SkippedLines),
			)
			if result.Err != nil {
				span.SetStatus(codes.Error, ScrubCredentials(result.Err.Error()))
			}
			span.End()
		}

		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		if r.parsedEventsCounter != nil && result.Events > 0 {
			r.parsedEventsCounter.Add(ctx, int64(result.Events))
		}
		if r.skippedLinesCounter != nil && result.SkippedLines > 0 {
			r.skippedLinesCounter.Add(ctx, int64(result.SkippedLines))
		}
		if r.parseDurationHistogram != nil {
			r.parseDurationHistogram.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}
}

// RecordTraceEnqueued increments the accepted-trace counter.
func (r *Runtime) RecordTraceEnqueued() {
	if !r.Enabled() || r.traceEnqueuedCounter == nil {
		return
	}
	r.traceEnqueuedCounter.Add(context.Background(), 1)
}

// RecordTraceQueueDrop increments a counter when the storage queue is full.
func (r *Runtime) RecordTraceQueueDrop() {
	if !r.Enabled() || r.traceQueueDroppedCounter == nil {
		return
	}
	r.traceQueueDroppedCounter.Add(context.Background(), 1)
}

// RecordTraceWriteFailure increments a counter for dropped traces.
func (r *Runtime) RecordTraceWriteFailure(operation string, failedCount int, errorClass, store string) {
	if !r.Enabled() || failedCount <= 0 || r.traceWriteFailedCounter == nil {
		return
	}
	r.traceWriteFailedCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(errorClass)),
			attribute.String("store", strings.TrimSpace(store)),
		),
	)
}

// RecordTraceFlush records the duration of one storage batch flush.
func (r *Runtime) RecordTraceFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() || r.traceFlushHistogram == nil {
		return
	}
	r.traceFlushHistogram.Record(
		context.Background(),
		duration.Seconds(),
		metric.WithAttributes(attribute.Int("batch_size", batchSize)),
	)
}

// RegisterTraceQueueDepthGauge reports depth() as "ion.trace.queue_depth"
// on every collection.
func (r *Runtime) RegisterTraceQueueDepthGauge(depth func() int) {
	if !r.Enabled() || depth == nil {
		return
	}
	_, _ = otel.Meter(instrumentationName).Int64ObservableGauge(
		"ion.trace.queue_depth",
		metric.WithDescription("Number of parsed traces waiting for the storage writer."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}),
	)
}

// MakeWriteSpanHook returns a hook that wraps each storage write in an
// "ion.trace.write" span. It returns nil when tracing is unavailable.
func (r *Runtime) MakeWriteSpanHook() func(batchSize int) func(error) {
	if !r.Enabled() || r.tracer == nil {
		return nil
	}
	tracer := r.tracer
	return func(batchSize int) func(error) {
		_, span := tracer.Start(context.Background(), "ion.trace.write",
			oteltrace.WithAttributes(attribute.Int("ion.trace.write.batch_size", batchSize)),
		)
		return func(err error) {
			if err != nil {
				message := ScrubCredentials(err.Error())
				span.SetAttributes(attribute.String("ion.trace.write.error", message))
				span.SetStatus(codes.Error, message)
			}
			span.End()
		}
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}
