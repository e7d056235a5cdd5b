package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"

	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/observability"
	"github.com/ionhpc/ion/internal/trace"
	"github.com/ionhpc/ion/migrations"
)

const defaultDoctorFormat = "text"

const doctorCheckTimeout = 5 * time.Second

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	return runDoctorWithFs(afero.NewOsFs(), args, out, errOut)
}

func runDoctorWithFs(fs afero.Fs, args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	document := buildDoctorDocument(fs, strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(fs afero.Fs, configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary, reason := "failed to load config", "skipped: config failed to load"
		if stage == configStageValidate {
			summary, reason = "config is invalid", "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", reason),
			doctorSkippedCheck("export_dir", reason),
			doctorSkippedCheck("telemetry", reason),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{
			fmt.Sprintf("config path: %s", valueOr(configPath, "(defaults only)")),
			fmt.Sprintf("parse: max_events_per_group=%d api=%s workers=%d", cfg.Parse.MaxEventsPerGroup, cfg.Parse.API, cfg.Parse.Workers),
		},
	})
	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorExportDirCheck(fs, cfg))
	doc.Checks = append(doc.Checks, runDoctorTelemetryCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorStorageCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "storage"}
	store, err := openTraceStore(cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize trace storage"
		check.Details = []string{observability.ScrubCredentials(err.Error())}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	if _, err := store.QueryTraces(ctx, trace.TraceFilter{Limit: 1}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "trace storage connectivity check failed"
		check.Details = []string{observability.ScrubCredentials(err.Error())}
		if closeErr := closeTraceStore(store); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case config.DriverSQLite:
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite trace storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case config.DriverPostgres:
		check.Summary = "connected to postgres trace storage"
		check.Details = []string{fmt.Sprintf("dsn: %s", observability.RedactDSN(cfg.Storage.DSN))}
	default:
		check.Summary = "connected to trace storage"
	}

	if db, ok := storeDB(store); ok {
		pending, err := migrations.Pending(ctx, db, driver)
		switch {
		case err != nil:
			check.Status = doctorStatusWarn
			check.Summary = "connected but could not read schema migrations"
			check.Details = append(check.Details, observability.ScrubCredentials(err.Error()))
		case len(pending) > 0:
			check.Status = doctorStatusWarn
			check.Summary = "connected with pending schema migrations"
			check.Details = append(check.Details, fmt.Sprintf("pending migrations: %s", strings.Join(pending, ", ")))
		default:
			check.Details = append(check.Details, "schema migrations: up to date")
		}
	}

	if closeErr := closeTraceStore(store); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "trace storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
	}
	return check
}

func runDoctorExportDirCheck(fs afero.Fs, cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "export_dir"}
	dir := strings.TrimSpace(cfg.Export.Dir)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "export directory cannot be created"
		check.Details = []string{err.Error()}
		return check
	}

	probe, err := afero.TempFile(fs, dir, ".ion-doctor-*")
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "export directory is not writable"
		check.Details = []string{err.Error()}
		return check
	}
	probeName := probe.Name()
	_, writeErr := probe.WriteString("ok\n")
	closeErr := probe.Close()
	removeErr := fs.Remove(probeName)
	if writeErr != nil || closeErr != nil {
		check.Status = doctorStatusFail
		check.Summary = "export directory is not writable"
		for _, err := range []error{writeErr, closeErr} {
			if err != nil {
				check.Details = append(check.Details, err.Error())
			}
		}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "export directory is writable"
	check.Details = []string{
		fmt.Sprintf("dir: %s", dir),
		fmt.Sprintf("default format: %s", cfg.Export.Format),
	}
	if removeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "export directory is writable but the probe file was left behind"
		check.Details = append(check.Details, fmt.Sprintf("remove %s: %v", probeName, removeErr))
	}
	return check
}

func runDoctorTelemetryCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "telemetry"}
	otelCfg := cfg.Observability.OTel
	if !otelCfg.Enabled {
		check.Status = doctorStatusPass
		check.Summary = "opentelemetry export is disabled"
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "opentelemetry export is configured"
	check.Details = []string{
		fmt.Sprintf("endpoint: %s", observability.ScrubCredentials(otelCfg.Endpoint)),
		fmt.Sprintf("service: %s", otelCfg.ServiceName),
		fmt.Sprintf("traces=%t metrics=%t sampling_ratio=%s", otelCfg.TracesEnabled, otelCfg.MetricsEnabled, formatRatio(otelCfg.SamplingRatio)),
	}
	if !otelCfg.TracesEnabled && !otelCfg.MetricsEnabled {
		check.Status = doctorStatusWarn
		check.Summary = "opentelemetry is enabled but every signal is off"
	}
	if otelCfg.Insecure {
		check.Details = append(check.Details, "transport: insecure")
	}
	return check
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "ion Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", valueOr(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
