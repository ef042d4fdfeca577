package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/querygate/querygate/internal/audit"
)

const insertRecordQuery = `
INSERT INTO query_audit (audit_id, request_id, trace_id, role, user_id, query_text, sql_text, success, outcome_kind, row_count, warnings_json, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)
ON CONFLICT (audit_id) DO NOTHING`

const recentRecordsQuery = `
SELECT audit_id, request_id, trace_id, role, user_id, query_text, sql_text, success, outcome_kind, row_count, warnings_json, duration_ms, created_at
FROM query_audit
ORDER BY created_at DESC
LIMIT $1`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		warnings := rec.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		warningsJSON, err := json.Marshal(warnings)
		if err != nil {
			return fmt.Errorf("marshal audit warnings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertRecordQuery,
			rec.ID,
			rec.RequestID,
			rec.TraceID,
			rec.Role,
			rec.UserID,
			rec.Query,
			rec.SQL,
			rec.Success,
			rec.Kind,
			rec.RowCount,
			string(warningsJSON),
			rec.DurationMs,
			rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert audit record %q: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

// Recent returns the newest records first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, recentRecordsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent audit records: %w", err)
	}
	defer rows.Close()

	records := []audit.Record{}
	for rows.Next() {
		var (
			rec          audit.Record
			warningsJSON []byte
			createdAt    time.Time
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.TraceID,
			&rec.Role,
			&rec.UserID,
			&rec.Query,
			&rec.SQL,
			&rec.Success,
			&rec.Kind,
			&rec.RowCount,
			&warningsJSON,
			&rec.DurationMs,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if len(warningsJSON) > 0 {
			if err := json.Unmarshal(warningsJSON, &rec.Warnings); err != nil {
				return nil, fmt.Errorf("decode audit warnings for %q: %w", rec.ID, err)
			}
		}
		rec.CreatedAt = createdAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}
