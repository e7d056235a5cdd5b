package dxt

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteCSV writes events as comma separated text with a Columns header row.
func WriteCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range events {
		if err := cw.Write(events[i].Record()); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Record renders the event as strings in Columns order.
func (e Event) Record() []string {
	return []string{
		e.FileID,
		e.FileName,
		e.API,
		e.Rank,
		e.Operation,
		strconv.FormatInt(e.Segment, 10),
		strconv.FormatInt(e.Offset, 10),
		strconv.FormatInt(e.Size, 10),
		strconv.FormatFloat(e.Start, 'f', -1, 64),
		strconv.FormatFloat(e.End, 'f', -1, 64),
		e.OST,
		strconv.FormatBool(e.Consec),
		strconv.FormatBool(e.Seq),
	}
}
