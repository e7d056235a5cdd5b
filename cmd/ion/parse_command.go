package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/dxt"
	"github.com/ionhpc/ion/internal/export"
	"github.com/ionhpc/ion/internal/observability"
	"github.com/spf13/afero"
)

const (
	defaultParseSummaryFormat = "text"
	stdoutOutput              = "-"
)

type parseSummary struct {
	Source       string              `json:"source"`
	Output       string              `json:"output"`
	Format       export.Format       `json:"format"`
	StartTime    *float64            `json:"start_time,omitempty"`
	RunTime      *float64            `json:"run_time,omitempty"`
	EventCount   int                 `json:"event_count"`
	SkippedLines int                 `json:"skipped_lines"`
	RankCount    int                 `json:"rank_count"`
	Operations   []parseOperationRow `json:"operations"`
}

type parseOperationRow struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

func runParse(args []string, out io.Writer, errOut io.Writer) int {
	return runParseWithFs(afero.NewOsFs(), args, out, errOut)
}

func runParseWithFs(fs afero.Fs, args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("parse", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatRaw := flagSet.String("format", "", "Event table format: csv, parquet or arrow (default from config)")
	outPath := flagSet.String("out", "", "Output path, or - for stdout (default <export.dir>/<name>.<ext>)")
	summaryFormat := flagSet.String("summary", defaultParseSummaryFormat, "Summary format: text or json")
	maxEvents := flagSet.Int("max-events-per-group", 0, "Events kept per (rank, operation); 0 disables the cap (default from config)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "parse requires exactly one trace file")
		return 2
	}
	source := flagSet.Arg(0)
	if !strings.HasSuffix(strings.ToLower(source), ".txt") {
		fmt.Fprintf(errOut, "trace %q must be a .txt file produced by darshan-dxt-parser\n", source)
		return 2
	}
	normalizedSummary, err := normalizeTextJSONFormat("summary", *summaryFormat, defaultParseSummaryFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	maxEventsSet := false
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == "max-events-per-group" {
			maxEventsSet = true
		}
	})
	if maxEventsSet && *maxEvents < 0 {
		fmt.Fprintln(errOut, "max-events-per-group must be >= 0")
		return 2
	}

	cfg, ok := loadCommandConfig(*configPath, errOut)
	if !ok {
		return 1
	}
	if maxEventsSet {
		cfg.Parse.MaxEventsPerGroup = *maxEvents
	}
	if strings.TrimSpace(*formatRaw) == "" {
		*formatRaw = cfg.Export.Format
	}
	format, err := export.ParseFormat(*formatRaw)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	logger := commandLogger(cfg, errOut)
	runtime := startTelemetry(cfg, logger)
	defer shutdownOpenTelemetry(logger, runtime, otelShutdownTimeout)

	ctx := observability.WithSource(context.Background(), source)
	parsed, err := parseTraceFile(ctx, fs, source, cfg, runtime, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to parse %s: %v\n", source, err)
		return 1
	}

	summaryOut := out
	destination := strings.TrimSpace(*outPath)
	if destination == stdoutOutput {
		if err := export.Encode(out, format, parsed.Events); err != nil {
			fmt.Fprintf(errOut, "failed to write event table: %v\n", err)
			return 1
		}
		summaryOut = errOut
	} else {
		if destination == "" {
			destination = export.OutputPath(cfg.Export.Dir, source, format)
		}
		if err := export.Write(fs, destination, format, parsed.Events); err != nil {
			fmt.Fprintf(errOut, "failed to write event table: %v\n", err)
			return 1
		}
		logger.InfoContext(ctx, "wrote event table", "output", destination, "format", string(format), "events", len(parsed.Events))
	}

	summary := buildParseSummary(source, destination, format, parsed.Trace)
	if err := writeParseSummary(summaryOut, normalizedSummary, summary); err != nil {
		fmt.Fprintf(errOut, "failed to write summary: %v\n", err)
		return 1
	}
	return 0
}

// parsedTraceFile is one trace file read from disk: its event table and
// its log header.
type parsedTraceFile struct {
	*dxt.Trace
	Header dxt.Header
}

// parseTraceFile reads and parses one trace inside a parse span. Skipped
// lines are logged at debug level, one summary line at info.
func parseTraceFile(ctx context.Context, fs afero.Fs, source string, cfg config.Config, runtime *observability.Runtime, logger *slog.Logger) (*parsedTraceFile, error) {
	ctx, end := runtime.StartParseSpan(ctx, source)

	data, err := afero.ReadFile(fs, source)
	if err != nil {
		err = fmt.Errorf("read trace: %w", err)
		end(observability.ParseResult{Err: err})
		return nil, err
	}

	parsed, err := dxt.Parse(string(data),
		dxt.WithMaxEventsPerGroup(cfg.Parse.MaxEventsPerGroup),
		dxt.WithAPI(cfg.Parse.API),
	)
	if err != nil {
		end(observability.ParseResult{Err: err})
		return nil, err
	}
	end(observability.ParseResult{Events: len(parsed.Events), SkippedLines: len(parsed.Skipped)})

	for _, skipped := range parsed.Skipped {
		logger.DebugContext(ctx, "skipped malformed data line", "line", skipped.Line, "reason", skipped.Reason)
	}
	logger.InfoContext(ctx, "parsed trace",
		"events", len(parsed.Events),
		"skipped_lines", len(parsed.Skipped),
		"start_time", parsed.Metadata.StartTime,
	)
	return &parsedTraceFile{Trace: parsed, Header: dxt.ParseHeader(string(data))}, nil
}

func buildParseSummary(source, output string, format export.Format, parsed *dxt.Trace) parseSummary {
	summary := parseSummary{
		Source:       source,
		Output:       output,
		Format:       format,
		EventCount:   len(parsed.Events),
		SkippedLines: len(parsed.Skipped),
		Operations:   []parseOperationRow{},
	}
	if parsed.Metadata.HasStartTime {
		startTime := parsed.Metadata.StartTime
		summary.StartTime = &startTime
	}
	if parsed.Metadata.HasRunTime {
		runTime := parsed.Metadata.RunTime
		summary.RunTime = &runTime
	}

	ranks := make(map[string]struct{})
	operations := make(map[string]int)
	for _, event := range parsed.Events {
		ranks[event.Rank] = struct{}{}
		operations[event.Operation]++
	}
	summary.RankCount = len(ranks)
	for operation, count := range operations {
		summary.Operations = append(summary.Operations, parseOperationRow{Operation: operation, Count: count})
	}
	sort.Slice(summary.Operations, func(i, j int) bool {
		return summary.Operations[i].Operation < summary.Operations[j].Operation
	})
	return summary
}

func writeParseSummary(out io.Writer, format string, summary parseSummary) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summary)
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "Source\t%s\n", summary.Source)
	fmt.Fprintf(writer, "Output\t%s (%s)\n", valueOr(summary.Output, stdoutOutput), summary.Format)
	fmt.Fprintf(writer, "Start time\t%s\n", floatPtrOr(summary.StartTime, "(none)"))
	fmt.Fprintf(writer, "Run time\t%s\n", floatPtrOr(summary.RunTime, "(none)"))
	fmt.Fprintf(writer, "Events\t%d\n", summary.EventCount)
	fmt.Fprintf(writer, "Ranks\t%d\n", summary.RankCount)
	fmt.Fprintf(writer, "Skipped lines\t%d\n", summary.SkippedLines)
	if err := writer.Flush(); err != nil {
		return err
	}
	if len(summary.Operations) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nOperations")
	opWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(opWriter, "OPERATION\tEVENTS")
	for _, row := range summary.Operations {
		fmt.Fprintf(opWriter, "%s\t%d\n", row.Operation, row.Count)
	}
	return opWriter.Flush()
}
