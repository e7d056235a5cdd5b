// Package export writes DXT event tables as CSV, Parquet, or Arrow IPC files.
package export

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/spf13/afero"

	"github.com/ionhpc/ion/internal/dxt"
)

// Format selects the on-disk encoding of an event table.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatArrow   Format = "arrow"
)

// ParseFormat normalizes a user supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatCSV, FormatParquet, FormatArrow:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (want csv, parquet, or arrow)", raw)
	}
}

// Extension returns the file suffix for the format, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatParquet:
		return ".parquet"
	case FormatArrow:
		return ".arrow"
	default:
		return ".csv"
	}
}

// OutputPath derives "<dir>/<source basename without extension><ext>".
func OutputPath(dir, source string, format Format) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+format.Extension())
}

// Write encodes events to path on fs, creating parent directories.
func Write(fs afero.Fs, path string, format Format, events []dxt.Event) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir %q: %w", dir, err)
		}
	}
	file, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("create export file %q: %w", path, err)
	}
	if err := Encode(file, format, events); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close export file %q: %w", path, err)
	}
	return nil
}

// Encode writes events to w in the requested format.
func Encode(w io.Writer, format Format, events []dxt.Event) error {
	switch format {
	case FormatCSV, "":
		return dxt.WriteCSV(w, events)
	case FormatParquet:
		return encodeParquet(w, events)
	case FormatArrow:
		return encodeArrow(w, events)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// Schema is the Arrow schema of the event table. Field names and order match
// dxt.Columns.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "file_id", Type: arrow.BinaryTypes.String},
	{Name: "file_name", Type: arrow.BinaryTypes.String},
	{Name: "api", Type: arrow.BinaryTypes.String},
	{Name: "rank", Type: arrow.BinaryTypes.String},
	{Name: "operation", Type: arrow.BinaryTypes.String},
	{Name: "segment", Type: arrow.PrimitiveTypes.Int64},
	{Name: "offset", Type: arrow.PrimitiveTypes.Int64},
	{Name: "size", Type: arrow.PrimitiveTypes.Int64},
	{Name: "start", Type: arrow.PrimitiveTypes.Float64},
	{Name: "end", Type: arrow.PrimitiveTypes.Float64},
	{Name: "ost", Type: arrow.BinaryTypes.String},
	{Name: "consec", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "seq", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// NewRecord builds a single Arrow record holding every event. The caller
// must Release it.
func NewRecord(mem memory.Allocator, events []dxt.Event) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for i := range events {
		e := &events[i]
		b.Field(0).(*array.StringBuilder).Append(e.FileID)
		b.Field(1).(*array.StringBuilder).Append(e.FileName)
		b.Field(2).(*array.StringBuilder).Append(e.API)
		b.Field(3).(*array.StringBuilder).Append(e.Rank)
		b.Field(4).(*array.StringBuilder).Append(e.Operation)
		b.Field(5).(*array.Int64Builder).Append(e.Segment)
		b.Field(6).(*array.Int64Builder).Append(e.Offset)
		b.Field(7).(*array.Int64Builder).Append(e.Size)
		b.Field(8).(*array.Float64Builder).Append(e.Start)
		b.Field(9).(*array.Float64Builder).Append(e.End)
		b.Field(10).(*array.StringBuilder).Append(e.OST)
		b.Field(11).(*array.BooleanBuilder).Append(e.Consec)
		b.Field(12).(*array.BooleanBuilder).Append(e.Seq)
	}
	return b.NewRecord()
}

func encodeParquet(w io.Writer, events []dxt.Event) error {
	rec := NewRecord(memory.DefaultAllocator, events)
	defer rec.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(Schema, w, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write parquet record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func encodeArrow(w io.Writer, events []dxt.Event) error {
	rec := NewRecord(memory.DefaultAllocator, events)
	defer rec.Release()

	writer, err := ipc.NewFileWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("create arrow writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return nil
}
