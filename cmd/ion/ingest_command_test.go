package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/observability"
	"github.com/ionhpc/ion/internal/trace"
)

type recordingTraceWriter struct {
	mu          sync.Mutex
	traces      []*trace.Trace
	enqueueErr  error
	shutdownErr error
	onFailure   trace.WriteFailureHandler
}

func (w *recordingTraceWriter) Start(context.Context) {}

func (w *recordingTraceWriter) EnqueueContext(_ context.Context, t *trace.Trace) error {
	if w.enqueueErr != nil {
		return w.enqueueErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.traces = append(w.traces, t)
	return nil
}

func (w *recordingTraceWriter) Shutdown(context.Context) error {
	return w.shutdownErr
}

func (w *recordingTraceWriter) SetWriteFailureHandler(handler trace.WriteFailureHandler) {
	w.onFailure = handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunIngestStoresTracesAndReportsFailures(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, "")
	fs := newTraceFs(t, map[string]string{
		"/traces/good.txt":    sampleTraceText,
		"/traces/nostart.txt": missingStartTimeTraceText,
	})

	var stdout, stderr bytes.Buffer
	code := runIngestWithFs(fs, []string{
		"--config", paths.ConfigPath,
		"--format", "json",
		"/traces/good.txt",
		"/traces/nostart.txt",
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runIngest() code=%d, want 1 (stderr=%q)", code, stderr.String())
	}

	var doc ingestDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("decode ingest json: %v\nbody=%s", err, stdout.String())
	}
	if doc.Stored != 1 || doc.Failed != 1 {
		t.Fatalf("stored=%d failed=%d, want 1 and 1", doc.Stored, doc.Failed)
	}
	if doc.Storage.Driver != config.DriverSQLite || doc.Storage.Path != paths.DBPath {
		t.Fatalf("storage=%+v, want sqlite at %s", doc.Storage, paths.DBPath)
	}
	if len(doc.Outcomes) != 2 {
		t.Fatalf("outcomes=%d, want 2", len(doc.Outcomes))
	}
	good, bad := doc.Outcomes[0], doc.Outcomes[1]
	if good.Source != "/traces/good.txt" || good.Status != ingestStatusStored || good.EventCount != 5 || good.TraceID == "" {
		t.Fatalf("good outcome=%+v, want stored with 5 events", good)
	}
	if bad.Source != "/traces/nostart.txt" || bad.Status != ingestStatusFailed || !strings.Contains(bad.Error, "start_time") {
		t.Fatalf("bad outcome=%+v, want failed start_time error", bad)
	}
	if doc.Writer == nil || doc.Writer.EnqueueAcceptedTotal != 1 {
		t.Fatalf("writer diagnostics=%+v, want one accepted trace", doc.Writer)
	}

	store, err := trace.NewSQLiteStore(paths.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	stored, err := store.GetTrace(context.Background(), good.TraceID)
	if err != nil {
		t.Fatalf("GetTrace(%s) error: %v", good.TraceID, err)
	}
	if stored.Name != "good" || len(stored.Events) != 5 {
		t.Fatalf("stored name=%q events=%d, want good with 5 events", stored.Name, len(stored.Events))
	}
	if stored.RunTime == nil || *stored.RunTime != 12.5 {
		t.Fatalf("stored run_time=%v, want 12.5", stored.RunTime)
	}
	if !strings.Contains(stored.Header, `"jobid"`) {
		t.Fatalf("stored header=%q, want jobid field", stored.Header)
	}
}

func TestRunIngestTextOutput(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, "")
	fs := newTraceFs(t, map[string]string{"/traces/a.txt": sampleTraceText})

	var stdout, stderr bytes.Buffer
	code := runIngestWithFs(fs, []string{"--config", paths.ConfigPath, "/traces/a.txt"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runIngest() code=%d, stderr=%q", code, stderr.String())
	}
	body := stdout.String()
	if !strings.Contains(body, "SOURCE") || !strings.Contains(body, "/traces/a.txt") || !strings.Contains(body, "1 stored, 0 failed (sqlite)") {
		t.Fatalf("stdout=%q, want ingest table and totals", body)
	}
}

func TestRunIngestUsageErrors(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, "")
	fs := newTraceFs(t, nil)

	var stdout, stderr bytes.Buffer
	if code := runIngestWithFs(fs, []string{"--config", paths.ConfigPath}, &stdout, &stderr); code != 2 {
		t.Fatalf("runIngest(no files) code=%d, want 2", code)
	}
	if code := runIngestWithFs(fs, []string{"--config", paths.ConfigPath, "--format", "csv", "a.txt"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runIngest(bad format) code=%d, want 2", code)
	}
}

func TestIngestTraceFilesKeepsSourceOrder(t *testing.T) {
	t.Parallel()

	files := map[string]string{}
	sources := make([]string, 0, 8)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		path := "/traces/" + name + ".txt"
		files[path] = sampleTraceText
		sources = append(sources, path)
	}
	fs := newTraceFs(t, files)

	cfg := config.Default()
	cfg.Parse.Workers = 3
	writer := &recordingTraceWriter{}

	outcomes := ingestTraceFiles(context.Background(), fs, sources, cfg, &observability.Runtime{}, writer, discardLogger())
	if len(outcomes) != len(sources) {
		t.Fatalf("outcomes=%d, want %d", len(outcomes), len(sources))
	}
	seen := make(map[string]bool)
	for i, outcome := range outcomes {
		if outcome.Source != sources[i] {
			t.Fatalf("outcomes[%d].source=%q, want %q", i, outcome.Source, sources[i])
		}
		if outcome.Status != ingestStatusStored || outcome.EventCount != 5 {
			t.Fatalf("outcomes[%d]=%+v, want stored with 5 events", i, outcome)
		}
		if seen[outcome.TraceID] {
			t.Fatalf("duplicate trace id %q", outcome.TraceID)
		}
		seen[outcome.TraceID] = true
	}
	if len(writer.traces) != len(sources) {
		t.Fatalf("queued=%d, want %d", len(writer.traces), len(sources))
	}
}

func TestIngestTraceFilesCancelledContext(t *testing.T) {
	t.Parallel()

	fs := newTraceFs(t, map[string]string{"/traces/a.txt": sampleTraceText})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writer := &recordingTraceWriter{}
	outcomes := ingestTraceFiles(ctx, fs, []string{"/traces/a.txt"}, config.Default(), &observability.Runtime{}, writer, discardLogger())
	if outcomes[0].Status != ingestStatusFailed || !errors.Is(outcomes[0].err, context.Canceled) {
		t.Fatalf("outcome=%+v, want cancelled failure", outcomes[0])
	}
	if len(writer.traces) != 0 {
		t.Fatalf("queued=%d, want 0", len(writer.traces))
	}
}

func TestIngestTraceFileEnqueueFailure(t *testing.T) {
	t.Parallel()

	fs := newTraceFs(t, map[string]string{"/traces/a.txt": sampleTraceText})
	writer := &recordingTraceWriter{enqueueErr: trace.ErrWriterStopped}

	outcome := ingestTraceFile(context.Background(), fs, "/traces/a.txt", config.Default(), &observability.Runtime{}, writer, discardLogger())
	if outcome.Status != ingestStatusFailed || !errors.Is(outcome.err, trace.ErrWriterStopped) {
		t.Fatalf("outcome=%+v, want writer stopped failure", outcome)
	}
	if outcome.TraceID == "" {
		t.Fatalf("trace id should be assigned before enqueue")
	}
}

func TestWriteFailureSetMarksDroppedTraces(t *testing.T) {
	t.Parallel()

	outcomes := []ingestOutcome{
		{Source: "a.txt", TraceID: "trace-a", Status: ingestStatusStored},
		{Source: "b.txt", TraceID: "trace-b", Status: ingestStatusStored},
		{Source: "c.txt", Status: ingestStatusFailed, Error: "parse"},
	}
	set := newWriteFailureSet()
	set.add(trace.WriteFailure{
		Operation:   "write_batch",
		FailedCount: 1,
		TraceIDs:    []string{"trace-b"},
		Err:         errors.New("database is locked"),
		ErrorClass:  "contention",
	})
	set.apply(outcomes)

	if outcomes[0].Status != ingestStatusStored {
		t.Fatalf("outcomes[0]=%+v, want stored", outcomes[0])
	}
	if outcomes[1].Status != ingestStatusFailed || !strings.Contains(outcomes[1].Error, "contention") {
		t.Fatalf("outcomes[1]=%+v, want contention failure", outcomes[1])
	}
	if outcomes[2].Error != "parse" {
		t.Fatalf("outcomes[2] changed: %+v", outcomes[2])
	}
}

func TestAttachTraceWriterFailureLogging(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	writer := &recordingTraceWriter{}

	var got []trace.WriteFailure
	attachTraceWriterFailureLogging(logger, writer, func(failure trace.WriteFailure) {
		got = append(got, failure)
	})
	if writer.onFailure == nil {
		t.Fatal("failure handler was not attached")
	}

	writer.onFailure(trace.WriteFailure{FailedCount: 0})
	writer.onFailure(trace.WriteFailure{
		Operation:   "write_batch",
		BatchSize:   2,
		FailedCount: 2,
		TraceIDs:    []string{"t1", "t2"},
		Err:         errors.New(`dial postgres://ion:hunter22@db:5432/ion failed`),
		ErrorClass:  "connection",
	})

	if len(got) != 1 {
		t.Fatalf("failures=%d, want 1", len(got))
	}
	body := logs.String()
	if !strings.Contains(body, "dropped trace records") || !strings.Contains(body, `"failed_count":2`) {
		t.Fatalf("logs=%q, want dropped trace log", body)
	}
	if strings.Contains(body, "hunter22") {
		t.Fatalf("logs=%q leaked a credential", body)
	}
}

func TestShutdownTraceWriterReturnsError(t *testing.T) {
	t.Parallel()

	writer := &recordingTraceWriter{shutdownErr: context.DeadlineExceeded}
	if err := shutdownTraceWriter(discardLogger(), writer, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdownTraceWriter() error=%v, want deadline exceeded", err)
	}
	if err := shutdownTraceWriter(discardLogger(), nil, 0); err != nil {
		t.Fatalf("shutdownTraceWriter(nil) error=%v, want nil", err)
	}
}
