package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/observability"
	"github.com/ionhpc/ion/internal/version"
)

const defaultConfigPath = "ion.yaml"

const otelShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		return runVersion(args[1:], os.Stdout, os.Stderr)
	case "parse":
		return runParse(args[1:], os.Stdout, os.Stderr)
	case "ingest":
		return runIngest(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "header":
		return runHeader(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runVersion(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("version", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	asJSON := flagSet.Bool("json", false, "Print version information as JSON")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if *asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(version.Current()); err != nil {
			fmt.Fprintf(errOut, "failed to write version: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintln(out, version.String())
	return 0
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// commandLogger builds the logger for a command. Logs go to errOut so that
// stdout stays reserved for command output.
func commandLogger(cfg config.Config, errOut io.Writer) *slog.Logger {
	logger, err := observability.NewLogger(cfg.Log, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "warning: %v; using default logger\n", err)
		return slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(errOut, nil)))
	}
	return logger
}

// startTelemetry never fails the command; a broken exporter setup only
// disables instrumentation.
func startTelemetry(cfg config.Config, logger *slog.Logger) *observability.Runtime {
	runtime, err := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
		return &observability.Runtime{}
	}
	return runtime
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  ion version [--json]")
	fmt.Fprintln(out, "  ion parse [--config path/to/ion.yaml] [--format csv|parquet|arrow] [--out PATH|-] [--summary text|json] [--max-events-per-group N] TRACE.txt")
	fmt.Fprintln(out, "  ion ingest [--config path/to/ion.yaml] [--format text|json] TRACE.txt...")
	fmt.Fprintln(out, "  ion report [--config path/to/ion.yaml] [--trace-id ID] [--name NAME] [--format text|json] [--limit N]")
	fmt.Fprintln(out, "  ion header [--format text|json] TRACE.txt")
	fmt.Fprintln(out, "  ion config validate [--config path/to/ion.yaml]")
	fmt.Fprintln(out, "  ion doctor [--config path/to/ion.yaml] [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  ion config validate [--config path/to/ion.yaml]")
}
