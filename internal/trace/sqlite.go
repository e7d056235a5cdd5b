package trace

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ionhpc/ion/internal/dxt"
	"github.com/ionhpc/ion/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows one writer at a time; serialize writes so concurrent
	// WriteTrace/WriteBatch callers do not contend on SQLITE_BUSY.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Trace{trace})
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	rows := make([]*Trace, 0, len(traces))
	for _, trace := range traces {
		if trace != nil {
			rows = append(rows, normalizeTrace(trace))
		}
	}
	if len(rows) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		traceStmt, err := tx.PrepareContext(ctx, `
INSERT INTO traces (
    id,
    name,
    source_path,
    start_time,
    run_time,
    event_count,
    skipped_lines,
    header,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sqlite trace insert: %w", err)
		}
		defer traceStmt.Close()

		eventStmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (`+eventInsertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sqlite event insert: %w", err)
		}
		defer eventStmt.Close()

		for _, row := range rows {
			if _, err := traceStmt.ExecContext(ctx,
				row.ID,
				row.Name,
				row.SourcePath,
				row.StartTime,
				nullableFloat(row.RunTime),
				row.EventCount,
				row.SkippedLines,
				row.Header,
				row.CreatedAt,
			); err != nil {
				return fmt.Errorf("write trace %q: %w", row.ID, err)
			}
			for i := range row.Events {
				e := &row.Events[i]
				if _, err := eventStmt.ExecContext(ctx,
					row.ID, i,
					e.FileID, e.FileName, e.API, e.Rank, e.Operation,
					e.Segment, e.Offset, e.Size, e.Start, e.End,
					e.OST, e.Consec, e.Seq,
				); err != nil {
					return fmt.Errorf("write event %d of trace %q: %w", i, row.ID, err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite transaction: %w", err)
		}
		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries fn while it fails with lock contention, backing
// off exponentially up to sqliteBusyMaxBackoff.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classifySQLiteError(err); ok {
		return class == WriteErrorClassContention
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const traceSelectColumns = `
id,
name,
source_path,
start_time,
run_time,
event_count,
skipped_lines,
header,
CAST(created_at AS TEXT)
`

const eventInsertColumns = `
    trace_id,
    seq_index,
    file_id,
    file_name,
    api,
    rank,
    operation,
    segment,
    io_offset,
    io_size,
    start_time,
    end_time,
    ost,
    consec,
    seq
`

const eventSelectColumns = `
seq_index,
file_id,
file_name,
api,
rank,
operation,
segment,
io_offset,
io_size,
start_time,
end_time,
ost,
consec,
seq
`

func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE id = ? LIMIT 1", id)
	item, err := scanSQLiteTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}

	events, err := s.QueryEvents(ctx, EventFilter{TraceID: id})
	if err != nil {
		return nil, err
	}
	item.Events = events
	return item, nil
}

func (s *SQLiteStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := clampTraceLimit(filter.Limit)

	whereSQL, args, err := buildSQLiteTraceWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + traceSelectColumns + " FROM traces WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanSQLiteTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	return pageTraces(items, limit), nil
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, filter EventFilter) ([]dxt.Event, error) {
	if strings.TrimSpace(filter.TraceID) == "" {
		return nil, fmt.Errorf("query events: trace id is required")
	}

	where := []string{"trace_id = ?"}
	args := []any{filter.TraceID}
	if filter.Rank != "" {
		where = append(where, "rank = ?")
		args = append(args, filter.Rank)
	}
	if filter.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, filter.Operation)
	}
	if filter.FileID != "" {
		where = append(where, "file_id = ?")
		args = append(args, filter.FileID)
	}
	if filter.SeqOnly {
		where = append(where, "seq = 1")
	}
	if filter.ConsecOnly {
		where = append(where, "consec = 1")
	}

	query := "SELECT " + eventSelectColumns + " FROM events WHERE " + strings.Join(where, " AND ") + " ORDER BY seq_index"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events of trace %q: %w", filter.TraceID, err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *SQLiteStore) GetRankStats(ctx context.Context, traceID string) ([]RankStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT rank, "+ioStatsColumns+" FROM events WHERE trace_id = ? GROUP BY rank", traceID)
	if err != nil {
		return nil, fmt.Errorf("query rank stats of trace %q: %w", traceID, err)
	}
	defer rows.Close()
	return scanRankStats(rows)
}

func (s *SQLiteStore) GetOperationStats(ctx context.Context, traceID string) ([]OperationStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT operation, "+ioStatsColumns+" FROM events WHERE trace_id = ? GROUP BY operation ORDER BY operation", traceID)
	if err != nil {
		return nil, fmt.Errorf("query operation stats of trace %q: %w", traceID, err)
	}
	defer rows.Close()
	return scanOperationStats(rows)
}

func buildSQLiteTraceWhere(filter TraceFilter) (string, []any, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func pageTraces(items []*Trace, limit int) *TraceResult {
	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeTraceCursor(last.CreatedAt, last.ID)
	}
	return &TraceResult{
		Items:      items,
		NextCursor: nextCursor,
	}
}

func encodeTraceCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTraceCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item          Trace
		runTime       sql.NullFloat64
		header        sql.NullString
		createdAtText sql.NullString
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Name,
		&item.SourcePath,
		&item.StartTime,
		&runTime,
		&item.EventCount,
		&item.SkippedLines,
		&header,
		&createdAtText,
	); err != nil {
		return nil, err
	}
	if runTime.Valid {
		value := runTime.Float64
		item.RunTime = &value
	}
	item.Header = header.String
	if createdAtText.Valid {
		createdAt, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = createdAt
	}
	return &item, nil
}

func scanEventRows(rows *sql.Rows) ([]dxt.Event, error) {
	events := make([]dxt.Event, 0)
	for rows.Next() {
		var e dxt.Event
		if err := rows.Scan(
			&e.Index,
			&e.FileID,
			&e.FileName,
			&e.API,
			&e.Rank,
			&e.Operation,
			&e.Segment,
			&e.Offset,
			&e.Size,
			&e.Start,
			&e.End,
			&e.OST,
			&e.Consec,
			&e.Seq,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}
