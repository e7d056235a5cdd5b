package dxt

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingStartTime is returned when a data line appears before any
	// "# start_time:" header. Absolute timestamps cannot be computed.
	ErrMissingStartTime = errors.New("missing start_time header")
	// ErrMalformedLine marks a data line that was skipped.
	ErrMalformedLine = errors.New("malformed data line")
)

// MissingStartTimeError reports the first data line that needed the start
// time origin.
type MissingStartTimeError struct {
	Line int
}

func (e *MissingStartTimeError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, ErrMissingStartTime)
}

func (e *MissingStartTimeError) Unwrap() error {
	return ErrMissingStartTime
}

// LineError describes a skipped data line. It is recorded on Trace.Skipped
// and never fails a parse.
type LineError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Text   string `json:"text"`
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v: %s", e.Line, ErrMalformedLine, e.Reason)
}

func (e *LineError) Unwrap() error {
	return ErrMalformedLine
}
