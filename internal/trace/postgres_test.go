package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPostgresStoreRoundTripsTraceAndStats(t *testing.T) {
	store := newPostgresTestStore(t)

	idPrefix := fmt.Sprintf("trace-pg-%d-", time.Now().UnixNano())
	cleanupPostgresTestTraces(t, store, idPrefix)
	ctx := context.Background()

	record := parsedTestTrace(t, idPrefix+"a")
	if err := store.WriteTrace(ctx, record); err != nil {
		t.Fatalf("WriteTrace() error: %v", err)
	}

	got, err := store.GetTrace(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.EventCount != len(record.Events) || len(got.Events) != len(record.Events) {
		t.Fatalf("event_count=%d events=%d, want %d", got.EventCount, len(got.Events), len(record.Events))
	}
	for i := range got.Events {
		if got.Events[i].Index != i || got.Events[i].Offset != record.Events[i].Offset {
			t.Fatalf("event[%d]=%+v, want stored order", i, got.Events[i])
		}
	}
	if got.RunTime == nil || *got.RunTime != 4.5 {
		t.Fatalf("run_time=%v, want 4.5", got.RunTime)
	}

	ranks, err := store.GetRankStats(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetRankStats() error: %v", err)
	}
	operations, err := store.GetOperationStats(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetOperationStats() error: %v", err)
	}
	wantRanks, wantOperations := SummarizeEvents(record.Events)
	if diff := cmp.Diff(wantRanks, ranks); diff != "" {
		t.Fatalf("rank stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantOperations, operations); diff != "" {
		t.Fatalf("operation stats mismatch (-want +got):\n%s", diff)
	}

	seq, err := store.QueryEvents(ctx, EventFilter{TraceID: record.ID, SeqOnly: true})
	if err != nil {
		t.Fatalf("QueryEvents() error: %v", err)
	}
	if len(seq) != 1 {
		t.Fatalf("seq events=%d, want 1", len(seq))
	}
}

func TestPostgresStoreDuplicateTraceIsConstraintFailure(t *testing.T) {
	store := newPostgresTestStore(t)

	idPrefix := fmt.Sprintf("trace-pg-dup-%d-", time.Now().UnixNano())
	cleanupPostgresTestTraces(t, store, idPrefix)
	ctx := context.Background()

	if err := store.WriteTrace(ctx, parsedTestTrace(t, idPrefix+"a")); err != nil {
		t.Fatalf("WriteTrace() error: %v", err)
	}
	err := store.WriteTrace(ctx, parsedTestTrace(t, idPrefix+"a"))
	if err == nil {
		t.Fatal("second WriteTrace() error=nil, want duplicate failure")
	}
	if class := ClassifyWriteError(err); class != WriteErrorClassConstraint {
		t.Fatalf("error class=%q, want %q", class, WriteErrorClassConstraint)
	}
}

func TestPostgresStoreQueryTracesPaginates(t *testing.T) {
	store := newPostgresTestStore(t)

	idPrefix := fmt.Sprintf("trace-pg-page-%d-", time.Now().UnixNano())
	cleanupPostgresTestTraces(t, store, idPrefix)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := make([]*Trace, 0, 3)
	for i := 0; i < 3; i++ {
		record := parsedTestTrace(t, fmt.Sprintf("%s%d", idPrefix, i))
		record.Name = idPrefix + "job"
		record.CreatedAt = base.Add(time.Duration(i) * time.Second)
		batch = append(batch, record)
	}
	if err := store.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	first, err := store.QueryTraces(ctx, TraceFilter{Name: idPrefix + "job", Limit: 2})
	if err != nil {
		t.Fatalf("QueryTraces() error: %v", err)
	}
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("first page=%v cursor=%q, want two items and a cursor", traceIDs(first.Items), first.NextCursor)
	}
	second, err := store.QueryTraces(ctx, TraceFilter{Name: idPrefix + "job", Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("QueryTraces() second page error: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ID != idPrefix+"0" {
		t.Fatalf("second page=%v, want oldest trace", traceIDs(second.Items))
	}

	if _, err := store.GetTrace(ctx, idPrefix+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrace() error=%v, want %v", err, ErrNotFound)
	}
}

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("ION_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("ION_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})
	return store
}

func cleanupPostgresTestTraces(t *testing.T, store *PostgresStore, idPrefix string) {
	t.Helper()

	t.Cleanup(func() {
		if _, err := store.db.ExecContext(context.Background(), `DELETE FROM traces WHERE id LIKE $1`, idPrefix+"%"); err != nil {
			t.Fatalf("cleanup traces: %v", err)
		}
	})
}
