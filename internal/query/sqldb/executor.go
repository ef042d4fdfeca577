package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
)

// Executor runs validated statements through database/sql. Reads are capped
// at the request row limit; each mutation runs in its own transaction.
type Executor struct {
	db *sql.DB
}

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

func (e *Executor) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if e.db == nil {
		return query.Result{}, fmt.Errorf("database is required")
	}
	sqlText := query.TrimSQL(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	var (
		result query.Result
		err    error
	)
	switch request.Operation {
	case schema.OpSelect:
		result, err = e.read(ctx, query.LimitRows(sqlText, request.RowLimit))
	case schema.OpInsert, schema.OpUpdate, schema.OpDelete:
		result, err = e.write(ctx, sqlText, request.Returning)
	default:
		return query.Result{}, fmt.Errorf("unsupported operation %q", request.Operation)
	}
	if err != nil {
		return query.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Executor) read(ctx context.Context, sqlText string) (query.Result, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := query.ScanRows(rows)
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{Columns: columns, Rows: resultRows}, nil
}

func (e *Executor) write(ctx context.Context, sqlText string, returning bool) (result query.Result, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return query.Result{}, fmt.Errorf("begin statement tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if returning {
		rows, queryErr := tx.QueryContext(ctx, sqlText)
		if queryErr != nil {
			return query.Result{}, fmt.Errorf("execute statement: %w", queryErr)
		}
		columns, resultRows, scanErr := query.ScanRows(rows)
		_ = rows.Close()
		if scanErr != nil {
			return query.Result{}, scanErr
		}
		result = query.Result{Columns: columns, Rows: resultRows, RowsAffected: int64(len(resultRows))}
	} else {
		res, execErr := tx.ExecContext(ctx, sqlText)
		if execErr != nil {
			return query.Result{}, fmt.Errorf("execute statement: %w", execErr)
		}
		affected, affectedErr := res.RowsAffected()
		if affectedErr != nil {
			return query.Result{}, fmt.Errorf("read rows affected: %w", affectedErr)
		}
		result = query.Result{Columns: []string{}, Rows: [][]any{}, RowsAffected: affected}
	}

	if err := tx.Commit(); err != nil {
		return query.Result{}, fmt.Errorf("commit statement tx: %w", err)
	}
	return result, nil
}
