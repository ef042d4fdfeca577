package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/schema"
)

var (
	// ErrTimeout is returned when a statement outlives the executor's own
	// deadline, regardless of what the store would have done.
	ErrTimeout = errors.New("execution timed out")
	// ErrTransient marks a connectivity failure that did not reach the store.
	ErrTransient = errors.New("transient data store failure")
	ErrReadOnly  = errors.New("executor is read-only")
)

type Request struct {
	SQL       string
	Operation schema.Operation
	// Tables are the base tables the validated statement references.
	Tables   []string
	RowLimit int
	// Returning is set when a mutation projects rows back.
	Returning bool
}

type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

// Executor runs one already-validated statement against a data store.
type Executor interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// ScanRows drains rows into ordered column names and one []any per row.
func ScanRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// TrimSQL removes surrounding whitespace and trailing semicolons.
func TrimSQL(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// LimitRows caps a read statement at limit rows. A non-positive limit leaves
// the statement unchanged.
func LimitRows(sqlText string, limit int) string {
	if limit <= 0 {
		return sqlText
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit)
}
