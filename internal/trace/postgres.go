package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ionhpc/ion/internal/dxt"
	"github.com/ionhpc/ion/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Trace{trace})
}

var eventCopyColumns = []string{
	"trace_id",
	"seq_index",
	"file_id",
	"file_name",
	"api",
	"rank",
	"operation",
	"segment",
	"io_offset",
	"io_size",
	"start_time",
	"end_time",
	"ost",
	"consec",
	"seq",
}

// WriteBatch inserts trace rows and streams their events with COPY, all in
// one transaction.
func (s *PostgresStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	rows := make([]*Trace, 0, len(traces))
	for _, trace := range traces {
		if trace != nil {
			rows = append(rows, normalizeTrace(trace))
		}
	}
	if len(rows) == 0 {
		return nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		stdConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver connection %T", driverConn)
		}
		return writePostgresRows(ctx, stdConn.Conn(), rows)
	})
}

func writePostgresRows(ctx context.Context, conn *pgx.Conn, rows []*Trace) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin postgres transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, row := range rows {
		if _, err := tx.Exec(ctx, `
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
			row.ID,
			row.Name,
			row.SourcePath,
			row.StartTime,
			row.RunTime,
			row.EventCount,
			row.SkippedLines,
			row.Header,
			row.CreatedAt,
		); err != nil {
			return fmt.Errorf("write trace %q: %w", row.ID, err)
		}

		events := row.Events
		traceID := row.ID
		copied, err := tx.CopyFrom(ctx, pgx.Identifier{"events"}, eventCopyColumns, pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := &events[i]
			return []any{
				traceID, i,
				e.FileID, e.FileName, e.API, e.Rank, e.Operation,
				e.Segment, e.Offset, e.Size, e.Start, e.End,
				e.OST, e.Consec, e.Seq,
			}, nil
		}))
		if err != nil {
			return fmt.Errorf("copy events of trace %q: %w", row.ID, err)
		}
		if copied != int64(len(events)) {
			return fmt.Errorf("copy events of trace %q: wrote %d of %d rows", row.ID, copied, len(events))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres transaction: %w", err)
	}
	return nil
}

const postgresTraceSelectColumns = `
id,
name,
source_path,
start_time,
run_time,
event_count,
skipped_lines,
header::text,
created_at
`

func (s *PostgresStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresTraceSelectColumns+" FROM traces WHERE id = $1 LIMIT 1", id)
	item, err := scanPostgresTraceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (s *PostgresStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := clampTraceLimit(filter.Limit)

	builder, err := buildPostgresTraceWhere(filter)
	if err != nil {
		return nil, err
	}
	limitArg := builder.addArg(limit + 1)

	query := "SELECT " + postgresTraceSelectColumns + " FROM traces WHERE " + builder.where() + " ORDER BY created_at DESC, id DESC LIMIT " + limitArg
	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanPostgresTraceRow(rows)
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

func (s *PostgresStore) QueryEvents(ctx context.Context, filter EventFilter) ([]dxt.Event, error) {
	if strings.TrimSpace(filter.TraceID) == "" {
		return nil, fmt.Errorf("query events: trace id is required")
	}

	builder := newPostgresWhereBuilder()
	builder.addComparison("trace_id", "=", filter.TraceID)
	if filter.Rank != "" {
		builder.addComparison("rank", "=", filter.Rank)
	}
	if filter.Operation != "" {
		builder.addComparison("operation", "=", filter.Operation)
	}
	if filter.FileID != "" {
		builder.addComparison("file_id", "=", filter.FileID)
	}
	if filter.SeqOnly {
		builder.addCondition("seq")
	}
	if filter.ConsecOnly {
		builder.addCondition("consec")
	}

	query := "SELECT " + eventSelectColumns + " FROM events WHERE " + builder.where() + " ORDER BY seq_index"
	if filter.Limit > 0 {
		query += " LIMIT " + builder.addArg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query events of trace %q: %w", filter.TraceID, err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *PostgresStore) GetRankStats(ctx context.Context, traceID string) ([]RankStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT rank, "+ioStatsColumns+" FROM events WHERE trace_id = $1 GROUP BY rank", traceID)
	if err != nil {
		return nil, fmt.Errorf("query rank stats of trace %q: %w", traceID, err)
	}
	defer rows.Close()
	return scanRankStats(rows)
}

func (s *PostgresStore) GetOperationStats(ctx context.Context, traceID string) ([]OperationStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT operation, "+ioStatsColumns+" FROM events WHERE trace_id = $1 GROUP BY operation ORDER BY operation", traceID)
	if err != nil {
		return nil, fmt.Errorf("query operation stats of trace %q: %w", traceID, err)
	}
	defer rows.Close()
	return scanOperationStats(rows)
}

func buildPostgresTraceWhere(filter TraceFilter) (*postgresWhereBuilder, error) {
	builder := newPostgresWhereBuilder()
	if filter.Name != "" {
		builder.addComparison("name", "=", filter.Name)
	}
	if !filter.From.IsZero() {
		builder.addComparison("created_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison("created_at", "<=", filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		createdArg := builder.addArg(createdAt)
		idArg := builder.addArg(id)
		builder.addCondition("(created_at < " + createdArg + " OR (created_at = " + createdArg + " AND id < " + idArg + "))")
	}
	return builder, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item      Trace
		runTime   sql.NullFloat64
		header    sql.NullString
		createdAt sql.NullTime
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
		&createdAt,
	); err != nil {
		return nil, err
	}
	if runTime.Valid {
		value := runTime.Float64
		item.RunTime = &value
	}
	item.Header = header.String
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}
	return &item, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
