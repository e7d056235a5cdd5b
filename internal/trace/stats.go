package trace

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/ionhpc/ion/internal/dxt"
)

// ioStatsColumns aggregates one group of event rows. It is valid for both
// SQLite and Postgres.
const ioStatsColumns = `
COUNT(*),
CAST(COALESCE(SUM(io_size), 0) AS BIGINT),
CAST(COALESCE(SUM(CASE WHEN seq THEN 1 ELSE 0 END), 0) AS BIGINT),
CAST(COALESCE(SUM(CASE WHEN consec THEN 1 ELSE 0 END), 0) AS BIGINT),
COALESCE(MIN(start_time), 0),
COALESCE(MAX(end_time), 0)
`

func scanIOStats(rows *sql.Rows, key *string, stats *IOStats) error {
	return rows.Scan(
		key,
		&stats.EventCount,
		&stats.TotalBytes,
		&stats.SeqCount,
		&stats.ConsecCount,
		&stats.FirstStart,
		&stats.LastEnd,
	)
}

func scanRankStats(rows *sql.Rows) ([]RankStats, error) {
	stats := make([]RankStats, 0)
	for rows.Next() {
		var item RankStats
		if err := scanIOStats(rows, &item.Rank, &item.IOStats); err != nil {
			return nil, fmt.Errorf("scan rank stats row: %w", err)
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rank stats rows: %w", err)
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return dxt.RankLess(stats[i].Rank, stats[j].Rank)
	})
	return stats, nil
}

func scanOperationStats(rows *sql.Rows) ([]OperationStats, error) {
	stats := make([]OperationStats, 0)
	for rows.Next() {
		var item OperationStats
		if err := scanIOStats(rows, &item.Operation, &item.IOStats); err != nil {
			return nil, fmt.Errorf("scan operation stats row: %w", err)
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation stats rows: %w", err)
	}
	return stats, nil
}

// SummarizeEvents computes the same aggregates as the stores' stats queries
// over an in-memory event table.
func SummarizeEvents(events []dxt.Event) ([]RankStats, []OperationStats) {
	byRank := make(map[string]*IOStats)
	byOperation := make(map[string]*IOStats)
	for i := range events {
		e := &events[i]
		addEvent(statsFor(byRank, e.Rank), e)
		addEvent(statsFor(byOperation, e.Operation), e)
	}

	ranks := make([]RankStats, 0, len(byRank))
	for rank, s := range byRank {
		ranks = append(ranks, RankStats{Rank: rank, IOStats: *s})
	}
	sort.Slice(ranks, func(i, j int) bool {
		return dxt.RankLess(ranks[i].Rank, ranks[j].Rank)
	})

	operations := make([]OperationStats, 0, len(byOperation))
	for operation, s := range byOperation {
		operations = append(operations, OperationStats{Operation: operation, IOStats: *s})
	}
	sort.Slice(operations, func(i, j int) bool {
		return operations[i].Operation < operations[j].Operation
	})
	return ranks, operations
}

func statsFor(groups map[string]*IOStats, key string) *IOStats {
	s, ok := groups[key]
	if !ok {
		s = &IOStats{}
		groups[key] = s
	}
	return s
}

func addEvent(s *IOStats, e *dxt.Event) {
	if s.EventCount == 0 || e.Start < s.FirstStart {
		s.FirstStart = e.Start
	}
	if s.EventCount == 0 || e.End > s.LastEnd {
		s.LastEnd = e.End
	}
	s.EventCount++
	s.TotalBytes += e.Size
	if e.Seq {
		s.SeqCount++
	}
	if e.Consec {
		s.ConsecCount++
	}
}
