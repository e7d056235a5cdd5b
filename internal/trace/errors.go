package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Classes reported on WriteFailure.ErrorClass and on the
// ion.trace.write_failed_total metric.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	// WriteErrorClassCapacity covers full disks and statements too large
	// for the backend, which large event tables can hit.
	WriteErrorClassCapacity = "capacity"
	WriteErrorClassUnknown  = "unknown"
)

type errorClassifier func(error) (string, bool)

// Order matters: a timed out dial is both a net.Error and a net.OpError.
var writeErrorClassifiers = []errorClassifier{
	classifyContextError,
	classifyNetError,
	classifyPostgresError,
	classifySQLiteError,
	classifyErrorMessage,
}

// ClassifyWriteError maps a store write error to one of the classes above.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}
	for _, classify := range writeErrorClassifiers {
		if class, ok := classify(err); ok {
			return class
		}
	}
	return WriteErrorClassUnknown
}

func classifyContextError(err error) (string, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout, true
	}
	return "", false
}

func classifyNetError(err error) (string, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection, true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return WriteErrorClassConnection, true
		}
	}
	if errors.Is(err, syscall.ENOSPC) {
		return WriteErrorClassCapacity, true
	}
	return "", false
}

func classifyPostgresError(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	code := pgErr.Code
	switch {
	case strings.HasPrefix(code, "23"):
		return WriteErrorClassConstraint, true
	case code == "40001", code == "40P01", code == "55P03":
		return WriteErrorClassContention, true
	case strings.HasPrefix(code, "08"):
		return WriteErrorClassConnection, true
	case code == "57014":
		return WriteErrorClassTimeout, true
	case strings.HasPrefix(code, "53"), code == "54000":
		return WriteErrorClassCapacity, true
	}
	return "", false
}

func classifySQLiteError(err error) (string, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return "", false
	}
	// Extended result codes keep the primary code in the low byte.
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return WriteErrorClassContention, true
	case sqlite3.SQLITE_CONSTRAINT:
		return WriteErrorClassConstraint, true
	case sqlite3.SQLITE_FULL, sqlite3.SQLITE_TOOBIG:
		return WriteErrorClassCapacity, true
	case sqlite3.SQLITE_CANTOPEN:
		return WriteErrorClassConnection, true
	}
	return "", false
}

// messageClasses is consulted last; driver errors often lose their type
// once wrapped with %v.
var messageClasses = []struct {
	class   string
	needles []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, []string{"sqlite_busy", "database is locked"}},
	{WriteErrorClassConstraint, []string{
		"violates foreign key constraint",
		"violates unique constraint",
		"violates check constraint",
		"duplicate key",
		"unique constraint failed",
		"foreign key constraint failed",
	}},
	{WriteErrorClassCapacity, []string{"no space left on device", "database or disk is full", "too many sql variables", "string or blob too big"}},
}

func classifyErrorMessage(err error) (string, bool) {
	msg := strings.ToLower(err.Error())
	for _, entry := range messageClasses {
		for _, needle := range entry.needles {
			if strings.Contains(msg, needle) {
				return entry.class, true
			}
		}
	}
	return "", false
}
