package dxt

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	startTimePrefix = "# start_time:"
	runTimePrefix   = "# run time:"
	filePrefix      = "# DXT, file_id:"
	rankPrefix      = "# DXT, rank:"

	minDataTokens = 8

	// notApplicable is how the DXT parser prints offsets and lengths of
	// operations that have none (open, stat, close).
	notApplicable = "N/A"
)

type options struct {
	maxEventsPerGroup int
	api               string
}

// Option customizes a parse.
type Option func(*options)

// WithMaxEventsPerGroup sets how many events are kept per (rank, operation)
// pair. Zero or a negative value disables the cap.
func WithMaxEventsPerGroup(n int) Option {
	return func(o *options) {
		o.maxEventsPerGroup = n
	}
}

// WithAPI overrides the interface name stamped on every event.
func WithAPI(api string) Option {
	return func(o *options) {
		if api = strings.TrimSpace(api); api != "" {
			o.api = api
		}
	}
}

func resolveOptions(opts []Option) options {
	o := options{
		maxEventsPerGroup: DefaultMaxEventsPerGroup,
		api:               DefaultAPI,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Parse runs the parser and the sequentiality annotator over trace text.
// Malformed data lines are skipped and listed on Trace.Skipped. A data line
// seen before the start_time header fails the whole parse with a
// *MissingStartTimeError.
func Parse(text string, opts ...Option) (*Trace, error) {
	trace, err := ParseEvents(text, opts...)
	if err != nil {
		return nil, err
	}
	trace.Events = Annotate(trace.Events)
	return trace, nil
}

// ParseReader reads r to the end and parses it like Parse.
func ParseReader(r io.Reader, opts ...Option) (*Trace, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return Parse(string(data), opts...)
}

// ParseEvents extracts the event table without computing consec and seq.
// Events come back sorted by absolute start time with the per-group cap
// applied; Index keeps each event's position in the input.
func ParseEvents(text string, opts ...Option) (*Trace, error) {
	o := resolveOptions(opts)
	state := scanState{api: o.api}

	for i, line := range strings.Split(text, "\n") {
		if err := state.apply(i+1, strings.TrimSuffix(line, "\r")); err != nil {
			return nil, err
		}
	}

	events := state.events
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start < events[j].Start
	})

	return &Trace{
		Metadata: state.meta,
		Events:   capPerGroup(events, o.maxEventsPerGroup),
		Skipped:  state.skipped,
	}, nil
}

// scanState is the accumulator threaded through the line fold. Header lines
// overwrite the current context; data lines inherit it.
type scanState struct {
	api      string
	meta     Metadata
	fileID   string
	fileName string
	rank     string
	hasFile  bool
	hasRank  bool

	events  []Event
	skipped []LineError
}

func (s *scanState) apply(lineNo int, line string) error {
	switch {
	case strings.HasPrefix(line, startTimePrefix):
		if v, ok := parseHeaderFloat(line, startTimePrefix); ok {
			s.meta.StartTime = v
			s.meta.HasStartTime = true
		}
		return nil
	case strings.HasPrefix(line, runTimePrefix):
		if v, ok := parseHeaderFloat(line, runTimePrefix); ok {
			s.meta.RunTime = v
			s.meta.HasRunTime = true
		}
		return nil
	case strings.HasPrefix(line, filePrefix):
		// "# DXT, file_id: <id>, file_name: <path>"; the path may itself
		// contain colons.
		parts := strings.SplitN(line, ":", 3)
		s.fileID = strings.TrimSpace(strings.SplitN(parts[1], ",", 2)[0])
		s.fileName = ""
		if len(parts) == 3 {
			s.fileName = strings.TrimSpace(parts[2])
		}
		s.hasFile = s.fileID != ""
		return nil
	case strings.HasPrefix(line, rankPrefix):
		rest := strings.TrimPrefix(line, rankPrefix)
		s.rank = strings.TrimSpace(strings.SplitN(rest, ",", 2)[0])
		s.hasRank = s.rank != ""
		return nil
	case strings.HasPrefix(line, "#"):
		return nil
	}

	if !s.hasFile || !s.hasRank {
		return nil
	}
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < minDataTokens {
		s.skip(lineNo, line, fmt.Sprintf("expected at least %d fields, got %d", minDataTokens, len(tokens)))
		return nil
	}
	if !s.meta.HasStartTime {
		return &MissingStartTimeError{Line: lineNo}
	}

	event, reason := s.decode(tokens)
	if reason != "" {
		s.skip(lineNo, line, reason)
		return nil
	}
	event.Index = len(s.events)
	s.events = append(s.events, event)
	return nil
}

func (s *scanState) skip(lineNo int, line, reason string) {
	s.skipped = append(s.skipped, LineError{Line: lineNo, Reason: reason, Text: line})
}

// decode extracts one event from a tokenized data line. The canonical layout
// is "<module> <rank> <op> <segment> <offset> <length> <start> <end> [ <ost> ]".
// Lines without the rank column are accepted too; they are recognized by an
// integer segment in the third position.
func (s *scanState) decode(tokens []string) (Event, string) {
	base := 2
	if isInteger(tokens[2]) {
		base = 1
	}
	if len(tokens) < base+6 {
		return Event{}, fmt.Sprintf("expected at least %d fields, got %d", base+6, len(tokens))
	}

	segment, err := strconv.ParseInt(tokens[base+1], 10, 64)
	if err != nil {
		return Event{}, fmt.Sprintf("invalid segment %q", tokens[base+1])
	}
	offset, err := parseCount(tokens[base+2])
	if err != nil {
		return Event{}, fmt.Sprintf("invalid offset %q", tokens[base+2])
	}
	size, err := parseCount(tokens[base+3])
	if err != nil {
		return Event{}, fmt.Sprintf("invalid size %q", tokens[base+3])
	}
	relStart, err := strconv.ParseFloat(tokens[base+4], 64)
	if err != nil {
		return Event{}, fmt.Sprintf("invalid start %q", tokens[base+4])
	}
	relEnd, err := strconv.ParseFloat(tokens[base+5], 64)
	if err != nil {
		return Event{}, fmt.Sprintf("invalid end %q", tokens[base+5])
	}

	return Event{
		FileID:    s.fileID,
		FileName:  s.fileName,
		API:       s.api,
		Rank:      s.rank,
		Operation: tokens[base],
		Segment:   segment,
		Offset:    offset.orZero(),
		Size:      size.orZero(),
		Start:     relStart + s.meta.StartTime,
		End:       relEnd + s.meta.StartTime,
		OST:       joinOST(tokens[base+6:]),
	}, ""
}

// count is a byte quantity token that may be the N/A placeholder.
type count struct {
	value int64
	valid bool
}

func parseCount(token string) (count, error) {
	if token == notApplicable {
		return count{}, nil
	}
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return count{}, err
	}
	return count{value: v, valid: true}, nil
}

func (c count) orZero() int64 {
	if !c.valid {
		return 0
	}
	return c.value
}

// joinOST folds the bracketed server list ("[", "3]" or "[3]" "[4]") into
// "3" or "3,4".
func joinOST(tokens []string) string {
	ids := make([]string, 0, len(tokens))
	for _, token := range tokens {
		token = strings.Trim(token, "[]")
		if token != "" {
			ids = append(ids, token)
		}
	}
	return strings.Join(ids, ",")
}

func parseHeaderFloat(line, prefix string) (float64, bool) {
	raw := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isInteger(token string) bool {
	_, err := strconv.ParseInt(token, 10, 64)
	return err == nil
}

type groupKey struct {
	rank      string
	operation string
}

// capPerGroup keeps the first limit events of every (rank, operation) pair
// in the order given, which is chronological by start.
func capPerGroup(events []Event, limit int) []Event {
	if limit <= 0 {
		return events
	}
	seen := make(map[groupKey]int)
	kept := events[:0]
	for _, event := range events {
		key := groupKey{rank: event.Rank, operation: event.Operation}
		if seen[key] >= limit {
			continue
		}
		seen[key]++
		kept = append(kept, event)
	}
	return kept
}
