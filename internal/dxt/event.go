// Package dxt turns the text rendering of a Darshan DXT trace into a
// normalized per-operation event table.
package dxt

// DefaultAPI is the I/O interface recorded on every event. The DXT text
// output only carries POSIX records today.
const DefaultAPI = "POSIX"

// DefaultMaxEventsPerGroup bounds how many events are kept for each
// (rank, operation) pair.
const DefaultMaxEventsPerGroup = 10000

// Columns is the exact header of the event table. Downstream consumers key
// off these names.
var Columns = []string{
	"file_id",
	"file_name",
	"api",
	"rank",
	"operation",
	"segment",
	"offset",
	"size",
	"start",
	"end",
	"ost",
	"consec",
	"seq",
}

// Metadata holds the scalar facts parsed from the trace header.
type Metadata struct {
	StartTime    float64 `json:"start_time"`
	HasStartTime bool    `json:"has_start_time"`
	RunTime      float64 `json:"run_time"`
	HasRunTime   bool    `json:"has_run_time"`
}

// Event is one traced I/O operation.
type Event struct {
	// Index is the position of the event among the parsed data lines, in
	// the order the trace emitted them. The start-time sort and the cap keep
	// it, and the annotator orders events of a rank by it. Events read back
	// from a store carry their stored row position instead.
	Index int `json:"-"`

	FileID    string  `json:"file_id"`
	FileName  string  `json:"file_name"`
	API       string  `json:"api"`
	Rank      string  `json:"rank"`
	Operation string  `json:"operation"`
	Segment   int64   `json:"segment"`
	Offset    int64   `json:"offset"`
	Size      int64   `json:"size"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	OST       string  `json:"ost"`
	Consec    bool    `json:"consec"`
	Seq       bool    `json:"seq"`
}

// Trace is the result of one parse invocation.
type Trace struct {
	Metadata Metadata
	Events   []Event
	// Skipped lists data lines that were dropped as malformed.
	Skipped []LineError
}
