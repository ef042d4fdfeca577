package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querygate/querygate/internal/schema"
)

func TestLoadOverlaysLiveColumnsOnPolicy(t *testing.T) {
	db, mock := newSQLMock(t)
	policy := staticPolicy{doc: schema.Document{
		Tables: []schema.TableSpec{{
			Name:       "rooms",
			Operations: []string{"SELECT"},
			Columns: []schema.ColumnSpec{
				{Name: "room_id", Type: "TEXT"},
				{Name: "status", Type: "TEXT", Values: []string{"AVAILABLE", "OCCUPIED"}},
				{Name: "legacy_code", Type: "TEXT"},
			},
		}},
		Profiles: []schema.ProfileSpec{{Role: "basic", Tables: []string{"rooms"}, Operations: []string{"SELECT"}}},
	}}

	mock.ExpectQuery(regexp.QuoteMeta(introspectColumnsQuery)).
		WithArgs("rentals").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("rooms", "room_id", "character varying", "NO").
			AddRow("rooms", "status", "text", "NO").
			AddRow("rooms", "private_room_rent", "numeric", "YES").
			AddRow("tenants", "tenant_id", "text", "NO"))

	source := &Source{DB: db, Schema: "rentals", Policy: policy}
	doc, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Tables) != 1 {
		t.Fatalf("tables = %+v", doc.Tables)
	}
	columns := doc.Tables[0].Columns
	if len(columns) != 3 {
		t.Fatalf("columns = %+v", columns)
	}
	if columns[0].Type != "TEXT" || columns[2].Type != "DECIMAL" || !columns[2].Nullable {
		t.Fatalf("columns = %+v", columns)
	}
	if len(columns[1].Values) != 2 {
		t.Fatalf("status values = %v", columns[1].Values)
	}

	snap, err := schema.NewSnapshot(doc, 1, time.Now())
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	rooms, _ := snap.Table("rooms")
	if rooms.HasColumn("legacy_code") {
		t.Fatal("policy-only column must not survive introspection")
	}
	assertSQLMock(t, mock)
}

func TestLoadFailsWhenPolicyTableMissing(t *testing.T) {
	db, mock := newSQLMock(t)
	policy := staticPolicy{doc: schema.Document{
		Tables: []schema.TableSpec{{Name: "leads", Columns: []schema.ColumnSpec{{Name: "lead_id"}}}},
	}}
	mock.ExpectQuery(regexp.QuoteMeta(introspectColumnsQuery)).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("rooms", "room_id", "text", "NO"))

	source := &Source{DB: db, Policy: policy}
	_, err := source.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing from schema") {
		t.Fatalf("Load() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestLoadWrapsQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(introspectColumnsQuery)).
		WithArgs("public").
		WillReturnError(sql.ErrConnDone)

	source := &Source{DB: db, Policy: staticPolicy{doc: schema.Document{}}}
	_, err := source.Load(context.Background())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("Load() error = %v, want sql.ErrConnDone", err)
	}
	assertSQLMock(t, mock)
}

type staticPolicy struct {
	doc schema.Document
}

func (s staticPolicy) Load(context.Context) (schema.Document, error) {
	return s.doc, nil
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
