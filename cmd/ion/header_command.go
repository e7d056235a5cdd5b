package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"

	"github.com/ionhpc/ion/internal/dxt"
)

const defaultHeaderFormat = "text"

func runHeader(args []string, out io.Writer, errOut io.Writer) int {
	return runHeaderWithFs(afero.NewOsFs(), args, out, errOut)
}

func runHeaderWithFs(fs afero.Fs, args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("header", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	format := flagSet.String("format", defaultHeaderFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "header requires exactly one trace file")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("header", *format, defaultHeaderFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	source := flagSet.Arg(0)
	data, err := afero.ReadFile(fs, source)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read trace: %v\n", err)
		return 1
	}

	header := dxt.ParseHeader(string(data))
	if err := writeHeader(out, normalizedFormat, header); err != nil {
		fmt.Fprintf(errOut, "failed to write header: %v\n", err)
		return 1
	}
	return 0
}

func writeHeader(out io.Writer, format string, header dxt.Header) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(header)
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "Fields")
	for _, field := range header.Fields {
		fmt.Fprintf(writer, "  %s\t%s\n", field.Key, field.Value)
	}
	if len(header.Metadata) > 0 {
		fmt.Fprintln(writer, "\nMetadata")
		for _, field := range header.Metadata {
			fmt.Fprintf(writer, "  %s\t%s\n", field.Key, field.Value)
		}
	}
	if len(header.Regions) > 0 {
		fmt.Fprintln(writer, "\nRegions")
		for _, region := range header.Regions {
			version := ""
			if region.HasVersion {
				version = fmt.Sprintf("ver=%d", region.Version)
			}
			fmt.Fprintf(writer, "  %s\t%s\t%s\n", region.Name, strings.TrimSpace(region.Info), version)
		}
	}
	return writer.Flush()
}
