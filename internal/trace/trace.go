package trace

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ionhpc/ion/internal/dxt"
)

// Trace is one parsed DXT trace file together with its event table.
type Trace struct {
	ID           string
	Name         string
	SourcePath   string
	StartTime    float64
	RunTime      *float64
	EventCount   int
	SkippedLines int
	// Header is the JSON encoding of the log preamble.
	Header    string
	CreatedAt time.Time
	Events    []dxt.Event
}

// FromParsed builds a storable record from a parse result. The name is the
// source file name without its extension.
func FromParsed(id, sourcePath string, parsed *dxt.Trace, header *dxt.Header) (*Trace, error) {
	record := &Trace{
		ID:         id,
		Name:       traceName(sourcePath),
		SourcePath: sourcePath,
		CreatedAt:  time.Now().UTC(),
	}
	if parsed != nil {
		record.StartTime = parsed.Metadata.StartTime
		if parsed.Metadata.HasRunTime {
			runTime := parsed.Metadata.RunTime
			record.RunTime = &runTime
		}
		record.Events = parsed.Events
		record.EventCount = len(parsed.Events)
		record.SkippedLines = len(parsed.Skipped)
	}
	if header != nil {
		body, err := json.Marshal(header)
		if err != nil {
			return nil, fmt.Errorf("encode log header: %w", err)
		}
		record.Header = string(body)
	}
	return record, nil
}

func traceName(sourcePath string) string {
	base := filepath.Base(strings.TrimSpace(sourcePath))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func normalizeTrace(in *Trace) *Trace {
	row := *in
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	} else {
		row.CreatedAt = row.CreatedAt.UTC()
	}
	if row.Name == "" {
		row.Name = traceName(row.SourcePath)
	}
	if row.Name == "" {
		row.Name = row.ID
	}
	if strings.TrimSpace(row.Header) == "" {
		row.Header = "{}"
	}
	row.EventCount = len(row.Events)
	return &row
}
