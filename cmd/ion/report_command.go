package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/observability"
	"github.com/ionhpc/ion/internal/trace"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Storage       reportStorageInfo  `json:"storage"`
	Filters       reportFilterInfo   `json:"filters"`
	Recent        []reportTraceInfo  `json:"recent_traces"`
	Trace         *reportTraceDetail `json:"trace,omitempty"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

type reportFilterInfo struct {
	TraceID string `json:"trace_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Limit   int    `json:"limit"`
}

type reportTraceInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SourcePath   string    `json:"source_path"`
	StartTime    float64   `json:"start_time"`
	RunTime      *float64  `json:"run_time,omitempty"`
	EventCount   int       `json:"event_count"`
	SkippedLines int       `json:"skipped_lines"`
	CreatedAt    time.Time `json:"created_at"`
}

type reportTraceDetail struct {
	reportTraceInfo
	Ranks      []reportStatsRow `json:"ranks"`
	Operations []reportStatsRow `json:"operations"`
}

type reportStatsRow struct {
	Key         string  `json:"key"`
	EventCount  int64   `json:"event_count"`
	TotalBytes  int64   `json:"total_bytes"`
	SeqCount    int64   `json:"seq_count"`
	ConsecCount int64   `json:"consec_count"`
	SeqRatio    float64 `json:"seq_ratio"`
	ConsecRatio float64 `json:"consec_ratio"`
	Span        float64 `json:"span_seconds"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	traceID := flagSet.String("trace-id", "", "Trace to break down (default: most recent)")
	name := flagSet.String("name", "", "Trace name filter")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent trace count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	cfg, ok := loadCommandConfig(*configPath, errOut)
	if !ok {
		return 1
	}

	store, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	filters := reportFilterInfo{
		TraceID: strings.TrimSpace(*traceID),
		Name:    strings.TrimSpace(*name),
		Limit:   *limit,
	}
	report, err := buildReport(context.Background(), store, cfg, filters)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			fmt.Fprintf(errOut, "trace %q not found\n", filters.TraceID)
			return 1
		}
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func storageInfo(cfg config.Config) reportStorageInfo {
	info := reportStorageInfo{Driver: strings.TrimSpace(cfg.Storage.Driver)}
	switch info.Driver {
	case config.DriverSQLite:
		info.Path = strings.TrimSpace(cfg.Storage.Path)
	case config.DriverPostgres:
		info.DSN = observability.RedactDSN(cfg.Storage.DSN)
	}
	return info
}

func buildReport(ctx context.Context, store trace.TraceStore, cfg config.Config, filters reportFilterInfo) (reportDocument, error) {
	report := reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage:       storageInfo(cfg),
		Filters:       filters,
		Recent:        []reportTraceInfo{},
	}

	recent, err := store.QueryTraces(ctx, trace.TraceFilter{Name: filters.Name, Limit: filters.Limit})
	if err != nil {
		return reportDocument{}, fmt.Errorf("query traces: %w", err)
	}
	for _, item := range recent.Items {
		report.Recent = append(report.Recent, reportTraceRow(item))
	}

	detailID := filters.TraceID
	if detailID == "" {
		if len(recent.Items) == 0 {
			return report, nil
		}
		detailID = recent.Items[0].ID
	}

	record, err := store.GetTrace(ctx, detailID)
	if err != nil {
		return reportDocument{}, fmt.Errorf("get trace %q: %w", detailID, err)
	}
	rankStats, err := store.GetRankStats(ctx, detailID)
	if err != nil {
		return reportDocument{}, fmt.Errorf("rank stats: %w", err)
	}
	operationStats, err := store.GetOperationStats(ctx, detailID)
	if err != nil {
		return reportDocument{}, fmt.Errorf("operation stats: %w", err)
	}

	detail := &reportTraceDetail{
		reportTraceInfo: reportTraceRow(record),
		Ranks:           make([]reportStatsRow, 0, len(rankStats)),
		Operations:      make([]reportStatsRow, 0, len(operationStats)),
	}
	for _, row := range rankStats {
		detail.Ranks = append(detail.Ranks, reportStats(row.Rank, row.IOStats))
	}
	for _, row := range operationStats {
		detail.Operations = append(detail.Operations, reportStats(row.Operation, row.IOStats))
	}
	report.Trace = detail
	return report, nil
}

func reportTraceRow(record *trace.Trace) reportTraceInfo {
	return reportTraceInfo{
		ID:           record.ID,
		Name:         record.Name,
		SourcePath:   record.SourcePath,
		StartTime:    record.StartTime,
		RunTime:      record.RunTime,
		EventCount:   record.EventCount,
		SkippedLines: record.SkippedLines,
		CreatedAt:    record.CreatedAt,
	}
}

func reportStats(key string, stats trace.IOStats) reportStatsRow {
	return reportStatsRow{
		Key:         key,
		EventCount:  stats.EventCount,
		TotalBytes:  stats.TotalBytes,
		SeqCount:    stats.SeqCount,
		ConsecCount: stats.ConsecCount,
		SeqRatio:    stats.SeqRatio(),
		ConsecRatio: stats.ConsecRatio(),
		Span:        stats.Span(),
	}
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		return writeReportJSON(out, report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportJSON(out io.Writer, report reportDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "ion Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if report.Storage.Path != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	if report.Storage.DSN != "" {
		fmt.Fprintf(metadataWriter, "Storage dsn\t%s\n", report.Storage.DSN)
	}
	fmt.Fprintf(metadataWriter, "Filter name\t%s\n", valueOr(report.Filters.Name, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter limit\t%d\n", report.Filters.Limit)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nRecent Traces")
	if len(report.Recent) == 0 {
		fmt.Fprintln(out, "(no traces)")
	} else {
		recentWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(recentWriter, "CREATED_AT\tNAME\tEVENTS\tSKIPPED\tSTART_TIME\tRUN_TIME\tTRACE_ID")
		for _, row := range report.Recent {
			fmt.Fprintf(
				recentWriter,
				"%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				timeOr(row.CreatedAt, "(unknown)"),
				valueOr(row.Name, "(unnamed)"),
				row.EventCount,
				row.SkippedLines,
				formatSeconds(row.StartTime),
				floatPtrOr(row.RunTime, "(none)"),
				row.ID,
			)
		}
		if err := recentWriter.Flush(); err != nil {
			return err
		}
	}

	if report.Trace == nil {
		return nil
	}

	detail := report.Trace
	fmt.Fprintf(out, "\nTrace %s (%s)\n", detail.ID, valueOr(detail.Name, "(unnamed)"))
	detailWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(detailWriter, "Source\t%s\n", detail.SourcePath)
	fmt.Fprintf(detailWriter, "Start time\t%s\n", formatSeconds(detail.StartTime))
	fmt.Fprintf(detailWriter, "Run time\t%s\n", floatPtrOr(detail.RunTime, "(none)"))
	fmt.Fprintf(detailWriter, "Events\t%d\n", detail.EventCount)
	fmt.Fprintf(detailWriter, "Skipped lines\t%d\n", detail.SkippedLines)
	if err := detailWriter.Flush(); err != nil {
		return err
	}

	if err := writeStatsTable(out, "Ranks", "RANK", detail.Ranks); err != nil {
		return err
	}
	return writeStatsTable(out, "Operations", "OPERATION", detail.Operations)
}

func writeStatsTable(out io.Writer, title, keyHeader string, rows []reportStatsRow) error {
	fmt.Fprintf(out, "\n%s\n", title)
	if len(rows) == 0 {
		fmt.Fprintln(out, "(no events)")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "%s\tEVENTS\tBYTES\tSEQ\tSEQ_RATIO\tCONSEC\tCONSEC_RATIO\tSPAN_S\n", keyHeader)
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%s\t%d\t%s\t%s\n",
			row.Key,
			row.EventCount,
			row.TotalBytes,
			row.SeqCount,
			formatRatio(row.SeqRatio),
			row.ConsecCount,
			formatRatio(row.ConsecRatio),
			formatSeconds(row.Span),
		)
	}
	return writer.Flush()
}
