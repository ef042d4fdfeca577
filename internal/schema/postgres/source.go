package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/querygate/querygate/internal/schema"
)

const introspectColumnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Source builds catalog documents from the live database. Column sets, types
// and nullability come from information_schema; which tables exist in the
// catalog, their operations, allowed values and every profile come from Policy.
type Source struct {
	DB     queryer
	Schema string
	Policy schema.Source
}

func NewSource(db *sql.DB, schemaName string, policy schema.Source) *Source {
	return &Source{DB: db, Schema: schemaName, Policy: policy}
}

func (s *Source) Load(ctx context.Context) (schema.Document, error) {
	policy, err := s.Policy.Load(ctx)
	if err != nil {
		return schema.Document{}, fmt.Errorf("load catalog policy: %w", err)
	}
	live, err := s.introspect(ctx)
	if err != nil {
		return schema.Document{}, err
	}

	doc := schema.Document{Profiles: policy.Profiles}
	for _, table := range policy.Tables {
		name := strings.ToLower(strings.TrimSpace(table.Name))
		columns, ok := live[name]
		if !ok {
			return schema.Document{}, fmt.Errorf("table %q declared in policy is missing from schema %q", name, s.schemaName())
		}
		declared := make(map[string]schema.ColumnSpec, len(table.Columns))
		for _, column := range table.Columns {
			declared[strings.ToLower(column.Name)] = column
		}
		merged := table
		merged.Columns = make([]schema.ColumnSpec, 0, len(columns))
		for _, column := range columns {
			if policyColumn, ok := declared[column.Name]; ok {
				column.Values = policyColumn.Values
			}
			merged.Columns = append(merged.Columns, column)
		}
		doc.Tables = append(doc.Tables, merged)
	}
	return doc, nil
}

func (s *Source) introspect(ctx context.Context) (map[string][]schema.ColumnSpec, error) {
	rows, err := s.DB.QueryContext(ctx, introspectColumnsQuery, s.schemaName())
	if err != nil {
		return nil, fmt.Errorf("introspect columns: %w", err)
	}
	defer rows.Close()

	tables := map[string][]schema.ColumnSpec{}
	for rows.Next() {
		var tableName, columnName, dataType, isNullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		tableName = strings.ToLower(tableName)
		tables[tableName] = append(tables[tableName], schema.ColumnSpec{
			Name:     strings.ToLower(columnName),
			Type:     schema.NormalizeType(dataType),
			Nullable: strings.EqualFold(isNullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("schema %q has no columns", s.schemaName())
	}
	return tables, nil
}

func (s *Source) schemaName() string {
	if strings.TrimSpace(s.Schema) == "" {
		return "public"
	}
	return s.Schema
}
