package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
)

func TestExecuteReadWrapsRowLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT room_id, private_room_rent FROM rooms WHERE status = 'AVAILABLE') AS q LIMIT 50")).
		WillReturnRows(sqlmock.NewRows([]string{"room_id", "private_room_rent"}).
			AddRow([]byte("R1"), 950.0).
			AddRow("R2", 1100.0))

	result, err := NewExecutor(db).Execute(context.Background(), query.Request{
		SQL:       "SELECT room_id, private_room_rent FROM rooms WHERE status = 'AVAILABLE';",
		Operation: schema.OpSelect,
		RowLimit:  50,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Columns) != 2 || result.Columns[0] != "room_id" {
		t.Fatalf("columns = %#v", result.Columns)
	}
	if len(result.Rows) != 2 || result.Rows[0][0] != "R1" {
		t.Fatalf("rows = %#v", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteWriteRunsInTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rooms SET status = 'OCCUPIED' WHERE room_id = 'R1'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := NewExecutor(db).Execute(context.Background(), query.Request{
		SQL:       "UPDATE rooms SET status = 'OCCUPIED' WHERE room_id = 'R1'",
		Operation: schema.OpUpdate,
		RowLimit:  50,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowsAffected != 1 || len(result.Rows) != 0 {
		t.Fatalf("result = %#v", result)
	}
	assertSQLMock(t, mock)
}

func TestExecuteWriteReturningCollectsRows(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM scheduled_events WHERE event_id = 'E1' RETURNING event_id")).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("E1"))
	mock.ExpectCommit()

	result, err := NewExecutor(db).Execute(context.Background(), query.Request{
		SQL:       "DELETE FROM scheduled_events WHERE event_id = 'E1' RETURNING event_id",
		Operation: schema.OpDelete,
		Returning: true,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowsAffected != 1 || result.Rows[0][0] != "E1" {
		t.Fatalf("result = %#v", result)
	}
	assertSQLMock(t, mock)
}

func TestExecuteWriteRollsBackOnError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO leads (lead_id) VALUES ('L1')")).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	_, err := NewExecutor(db).Execute(context.Background(), query.Request{
		SQL:       "INSERT INTO leads (lead_id) VALUES ('L1')",
		Operation: schema.OpInsert,
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	assertSQLMock(t, mock)
}

func TestExecuteRejectsUnknownOperation(t *testing.T) {
	db, mock := newSQLMock(t)
	if _, err := NewExecutor(db).Execute(context.Background(), query.Request{SQL: "SELECT 1"}); err == nil {
		t.Fatalf("expected error for missing operation")
	}
	assertSQLMock(t, mock)
}

func TestExecuteAgainstSQLite(t *testing.T) {
	db, err := Open(context.Background(), DriverSQLite, DBConfig{DSN: "file:sqldb_exec?mode=memory&cache=shared", MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`CREATE TABLE rooms (room_id TEXT, status TEXT, private_room_rent REAL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO rooms VALUES ('R1', 'AVAILABLE', 900), ('R2', 'AVAILABLE', 1500), ('R3', 'OCCUPIED', 800)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	executor := NewExecutor(db)
	result, err := executor.Execute(context.Background(), query.Request{
		SQL:       "SELECT room_id FROM rooms WHERE status = 'AVAILABLE' ORDER BY room_id",
		Operation: schema.OpSelect,
		RowLimit:  1,
	})
	if err != nil {
		t.Fatalf("Execute(select) error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "R1" {
		t.Fatalf("rows = %#v", result.Rows)
	}

	result, err = executor.Execute(context.Background(), query.Request{
		SQL:       "UPDATE rooms SET status = 'RESERVED' WHERE status = 'AVAILABLE'",
		Operation: schema.OpUpdate,
	})
	if err != nil {
		t.Fatalf("Execute(update) error = %v", err)
	}
	if result.RowsAffected != 2 {
		t.Fatalf("rows affected = %d", result.RowsAffected)
	}
}

func TestOpenValidatesInput(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", DBConfig{DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), DriverPostgres, DBConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
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
