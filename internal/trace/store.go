package trace

import (
	"context"
	"errors"
	"time"

	"github.com/ionhpc/ion/internal/dxt"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrInvalidCursor = errors.New("trace cursor is invalid")

// TraceStore persists parsed traces and answers per-trace queries.
type TraceStore interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	WriteBatch(ctx context.Context, traces []*Trace) error
	// GetTrace returns the trace record with its events in stored order.
	GetTrace(ctx context.Context, id string) (*Trace, error)
	// QueryTraces lists trace records, newest first, without events.
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]dxt.Event, error)
	GetRankStats(ctx context.Context, traceID string) ([]RankStats, error)
	GetOperationStats(ctx context.Context, traceID string) ([]OperationStats, error)
}

type TraceFilter struct {
	Name   string
	From   time.Time
	To     time.Time
	Limit  int
	Cursor string
}

type TraceResult struct {
	Items      []*Trace
	NextCursor string
}

// EventFilter selects events of one trace. Empty fields match everything.
type EventFilter struct {
	TraceID    string
	Rank       string
	Operation  string
	FileID     string
	SeqOnly    bool
	ConsecOnly bool
	Limit      int
}

// IOStats aggregates a group of events.
type IOStats struct {
	EventCount  int64   `json:"event_count"`
	TotalBytes  int64   `json:"total_bytes"`
	SeqCount    int64   `json:"seq_count"`
	ConsecCount int64   `json:"consec_count"`
	FirstStart  float64 `json:"first_start"`
	LastEnd     float64 `json:"last_end"`
}

// SeqRatio is the share of events flagged sequential.
func (s IOStats) SeqRatio() float64 {
	if s.EventCount == 0 {
		return 0
	}
	return float64(s.SeqCount) / float64(s.EventCount)
}

// ConsecRatio is the share of events flagged consecutive.
func (s IOStats) ConsecRatio() float64 {
	if s.EventCount == 0 {
		return 0
	}
	return float64(s.ConsecCount) / float64(s.EventCount)
}

// Span is the wall time between the first start and the last end.
func (s IOStats) Span() float64 {
	if s.EventCount == 0 {
		return 0
	}
	return s.LastEnd - s.FirstStart
}

type RankStats struct {
	Rank string `json:"rank"`
	IOStats
}

type OperationStats struct {
	Operation string `json:"operation"`
	IOStats
}

const (
	defaultTraceQueryLimit = 50
	maxTraceQueryLimit     = 200
)

func clampTraceLimit(limit int) int {
	if limit <= 0 {
		return defaultTraceQueryLimit
	}
	if limit > maxTraceQueryLimit {
		return maxTraceQueryLimit
	}
	return limit
}
