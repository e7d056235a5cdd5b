package main

import (
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/ionhpc/ion/internal/config"
	"github.com/ionhpc/ion/internal/trace"
)

func openTraceStore(cfg config.Config) (trace.TraceStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case config.DriverSQLite:
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case config.DriverPostgres:
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// storeDB exposes the handle behind a SQL-backed store.
func storeDB(store trace.TraceStore) (*sql.DB, bool) {
	provider, ok := store.(interface{ DB() *sql.DB })
	if !ok {
		return nil, false
	}
	db := provider.DB()
	return db, db != nil
}

func closeTraceStore(store trace.TraceStore) error {
	if store == nil {
		return nil
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func closeTraceStoreWithWarning(store trace.TraceStore, errOut io.Writer) {
	if err := closeTraceStore(store); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}
