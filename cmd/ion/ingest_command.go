package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/observability"
	"github.com/ionhpc/ion/internal/trace"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const defaultIngestFormat = "text"

type asyncTraceWriter interface {
	Start(ctx context.Context)
	EnqueueContext(ctx context.Context, t *trace.Trace) error
	Shutdown(ctx context.Context) error
}

type traceWriteFailureHandlerSetter interface {
	SetWriteFailureHandler(handler trace.WriteFailureHandler)
}

type traceWriterMetricsSetter interface {
	SetMetrics(m *trace.WriterMetrics)
}

type traceWriterQueueLenProvider interface {
	QueueLen() int
}

type traceWriterDiagnosticsProvider interface {
	Diagnostics() trace.WriterDiagnostics
}

var newTraceWriter = func(store trace.TraceStore, bufferSize int) asyncTraceWriter {
	return trace.NewWriter(store, bufferSize)
}

var newTraceID = uuid.NewString

var signalNotifyContext = signal.NotifyContext

type ingestOutcome struct {
	Source       string `json:"source"`
	TraceID      string `json:"trace_id,omitempty"`
	Status       string `json:"status"`
	EventCount   int    `json:"event_count"`
	SkippedLines int    `json:"skipped_lines"`
	Error        string `json:"error,omitempty"`

	err error
}

const (
	ingestStatusStored = "stored"
	ingestStatusFailed = "failed"
)

type ingestDocument struct {
	Storage  reportStorageInfo        `json:"storage"`
	Stored   int                      `json:"stored"`
	Failed   int                      `json:"failed"`
	Outcomes []ingestOutcome          `json:"outcomes"`
	Writer   *trace.WriterDiagnostics `json:"writer,omitempty"`
}

func runIngest(args []string, out io.Writer, errOut io.Writer) int {
	return runIngestWithFs(afero.NewOsFs(), args, out, errOut)
}

func runIngestWithFs(fs afero.Fs, args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("ingest", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultIngestFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	sources := flagSet.Args()
	if len(sources) == 0 {
		fmt.Fprintln(errOut, "ingest requires at least one trace file")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("ingest", *format, defaultIngestFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadCommandConfig(*configPath, errOut)
	if !ok {
		return 1
	}

	logger := commandLogger(cfg, errOut)
	runtime := startTelemetry(cfg, logger)
	defer shutdownOpenTelemetry(logger, runtime, otelShutdownTimeout)

	store, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failures := newWriteFailureSet()
	writer := newTraceWriter(store, cfg.Ingest.QueueSize)
	attachTraceWriterMetrics(writer, runtime)
	attachTraceWriterFailureLogging(logger, writer, func(failure trace.WriteFailure) {
		failures.add(failure)
		runtime.RecordTraceWriteFailure(failure.Operation, failure.FailedCount, failure.ErrorClass, cfg.Storage.Driver)
	})
	writer.Start(context.Background())

	outcomes := ingestTraceFiles(ctx, fs, sources, cfg, runtime, writer, logger)

	shutdownTimeout := time.Duration(cfg.Ingest.ShutdownTimeoutMS) * time.Millisecond
	if err := shutdownTraceWriter(logger, writer, shutdownTimeout); err != nil {
		for i := range outcomes {
			if outcomes[i].err == nil {
				outcomes[i].fail(fmt.Errorf("flush pending traces: %w", err))
			}
		}
	}
	failures.apply(outcomes)

	doc := ingestDocument{
		Storage:  storageInfo(cfg),
		Outcomes: outcomes,
	}
	if provider, ok := writer.(traceWriterDiagnosticsProvider); ok {
		diagnostics := provider.Diagnostics()
		doc.Writer = &diagnostics
	}
	var errs []error
	for _, outcome := range outcomes {
		if outcome.err != nil {
			doc.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", outcome.Source, outcome.err))
			continue
		}
		doc.Stored++
	}
	if err := writeIngest(out, normalizedFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to write ingest output: %v\n", err)
		return 1
	}
	if joined := errors.Join(errs...); joined != nil {
		logger.Error("ingest finished with failures", "failed", doc.Failed, "stored", doc.Stored, "error", joined)
		return 1
	}
	return 0
}

// ingestTraceFiles parses sources with at most cfg.Parse.Workers files in
// flight and hands each record to writer. Outcomes keep the order of
// sources.
func ingestTraceFiles(
	ctx context.Context,
	fs afero.Fs,
	sources []string,
	cfg config.Config,
	runtime *observability.Runtime,
	writer asyncTraceWriter,
	logger *slog.Logger,
) []ingestOutcome {
	outcomes := make([]ingestOutcome, len(sources))

	var group errgroup.Group
	group.SetLimit(cfg.Parse.Workers)
	for i, source := range sources {
		group.Go(func() error {
			outcomes[i] = ingestTraceFile(ctx, fs, source, cfg, runtime, writer, logger)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func ingestTraceFile(
	ctx context.Context,
	fs afero.Fs,
	source string,
	cfg config.Config,
	runtime *observability.Runtime,
	writer asyncTraceWriter,
	logger *slog.Logger,
) ingestOutcome {
	outcome := ingestOutcome{Source: source, Status: ingestStatusStored}
	if err := ctx.Err(); err != nil {
		outcome.fail(err)
		return outcome
	}
	ctx = observability.WithSource(ctx, source)

	parsed, err := parseTraceFile(ctx, fs, source, cfg, runtime, logger)
	if err != nil {
		logger.ErrorContext(ctx, "failed to parse trace", "error", err)
		outcome.fail(err)
		return outcome
	}

	record, err := trace.FromParsed(newTraceID(), source, parsed.Trace, &parsed.Header)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build trace record", "error", err)
		outcome.fail(err)
		return outcome
	}
	outcome.TraceID = record.ID
	outcome.EventCount = record.EventCount
	outcome.SkippedLines = record.SkippedLines

	if err := writer.EnqueueContext(ctx, record); err != nil {
		logger.ErrorContext(ctx, "failed to queue trace for storage", "trace_id", record.ID, "error", err)
		outcome.fail(fmt.Errorf("queue trace: %w", err))
		return outcome
	}
	logger.DebugContext(ctx, "queued trace for storage", "trace_id", record.ID)
	return outcome
}

func (o *ingestOutcome) fail(err error) {
	o.Status = ingestStatusFailed
	o.err = err
	o.Error = err.Error()
}

// writeFailureSet collects trace ids the writer reported as dropped.
type writeFailureSet struct {
	mu  sync.Mutex
	ids map[string]trace.WriteFailure
}

func newWriteFailureSet() *writeFailureSet {
	return &writeFailureSet{ids: make(map[string]trace.WriteFailure)}
}

func (s *writeFailureSet) add(failure trace.WriteFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range failure.TraceIDs {
		s.ids[id] = failure
	}
}

func (s *writeFailureSet) apply(outcomes []ingestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range outcomes {
		failure, ok := s.ids[outcomes[i].TraceID]
		if !ok || outcomes[i].TraceID == "" {
			continue
		}
		err := failure.Err
		if err == nil {
			err = errors.New("trace was not persisted")
		}
		outcomes[i].fail(fmt.Errorf("store trace (%s): %w", failure.ErrorClass, err))
	}
}

func attachTraceWriterMetrics(writer asyncTraceWriter, otelRuntime *observability.Runtime) {
	if writer == nil || !otelRuntime.Enabled() {
		return
	}

	if qlp, ok := writer.(traceWriterQueueLenProvider); ok {
		otelRuntime.RegisterTraceQueueDepthGauge(qlp.QueueLen)
	}

	ms, ok := writer.(traceWriterMetricsSetter)
	if !ok {
		return
	}
	ms.SetMetrics(&trace.WriterMetrics{
		OnEnqueue:    otelRuntime.RecordTraceEnqueued,
		OnDrop:       otelRuntime.RecordTraceQueueDrop,
		OnFlush:      otelRuntime.RecordTraceFlush,
		OnWriteStart: otelRuntime.MakeWriteSpanHook(),
	})
}

func attachTraceWriterFailureLogging(logger *slog.Logger, writer asyncTraceWriter, onFailure func(trace.WriteFailure)) {
	if logger == nil || writer == nil {
		return
	}

	handlerSetter, ok := writer.(traceWriteFailureHandlerSetter)
	if !ok {
		return
	}

	handlerSetter.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if onFailure != nil {
			onFailure(failure)
		}
		logger.Error(
			"trace persistence failed; dropped trace records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"trace_ids", failure.TraceIDs,
			"error_class", failure.ErrorClass,
			"error", observability.ScrubCredentials(fmt.Sprint(failure.Err)),
		)
	})
}

func shutdownTraceWriter(logger *slog.Logger, writer asyncTraceWriter, timeout time.Duration) error {
	if writer == nil {
		return nil
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return err
	}

	if logger != nil {
		logger.Info("flushed pending traces", "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func writeIngest(out io.Writer, format string, doc ingestDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "SOURCE\tSTATUS\tTRACE_ID\tEVENTS\tSKIPPED\tERROR")
	for _, outcome := range doc.Outcomes {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%d\t%s\n",
			outcome.Source,
			outcome.Status,
			valueOr(outcome.TraceID, "-"),
			outcome.EventCount,
			outcome.SkippedLines,
			valueOr(outcome.Error, "-"),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d stored, %d failed (%s)\n", doc.Stored, doc.Failed, doc.Storage.Driver)
	return nil
}
