package duckdb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/storage"
)

type roomRow struct {
	RoomID string  `parquet:"room_id"`
	Status string  `parquet:"status"`
	Rent   float64 `parquet:"private_room_rent"`
}

func TestExecuteReadsTableExportsThroughObjectStore(t *testing.T) {
	first, err := buildParquet([]roomRow{{RoomID: "R1", Status: "AVAILABLE", Rent: 900}, {RoomID: "R2", Status: "OCCUPIED", Rent: 800}})
	if err != nil {
		t.Fatalf("buildParquet() error = %v", err)
	}
	second, err := buildParquet([]roomRow{{RoomID: "R3", Status: "AVAILABLE", Rent: 1500}})
	if err != nil {
		t.Fatalf("buildParquet() error = %v", err)
	}

	store := &memoryStore{objects: map[string][]byte{
		"exports/rooms/part-0.parquet": first,
		"exports/rooms/part-1.parquet": second,
		"exports/rooms/_SUCCESS":       nil,
	}}
	engine := NewEngine(store, "exports")

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:       "SELECT COUNT(*) AS c FROM rooms WHERE status = 'AVAILABLE';",
		Operation: schema.OpSelect,
		Tables:    []string{"rooms"},
		RowLimit:  100,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != int64(2) {
		t.Fatalf("rows = %#v", result.Rows)
	}
	if result.ScannedFiles != 2 {
		t.Fatalf("ScannedFiles = %d", result.ScannedFiles)
	}
	if result.ScannedBytes != int64(len(first)+len(second)) {
		t.Fatalf("ScannedBytes = %d", result.ScannedBytes)
	}
}

func TestExecuteAppliesRowLimit(t *testing.T) {
	parquetBytes, err := buildParquet([]roomRow{{RoomID: "R1"}, {RoomID: "R2"}, {RoomID: "R3"}})
	if err != nil {
		t.Fatalf("buildParquet() error = %v", err)
	}
	store := &memoryStore{objects: map[string][]byte{"exports/rooms/part-0.parquet": parquetBytes}}

	result, err := NewEngine(store, "exports").Execute(context.Background(), query.Request{
		SQL:       "SELECT room_id FROM rooms ORDER BY room_id",
		Operation: schema.OpSelect,
		Tables:    []string{"rooms"},
		RowLimit:  2,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || result.Columns[0] != "room_id" {
		t.Fatalf("result = %#v", result)
	}
}

func TestExecuteRejectsMutations(t *testing.T) {
	engine := NewEngine(&memoryStore{}, "exports")
	_, err := engine.Execute(context.Background(), query.Request{
		SQL:       "DELETE FROM rooms",
		Operation: schema.OpDelete,
		Tables:    []string{"rooms"},
	})
	if !errors.Is(err, query.ErrReadOnly) {
		t.Fatalf("Execute() error = %v, want ErrReadOnly", err)
	}
}

func TestExecuteRequiresExports(t *testing.T) {
	engine := NewEngine(&memoryStore{objects: map[string][]byte{}}, "exports")
	_, err := engine.Execute(context.Background(), query.Request{
		SQL:       "SELECT room_id FROM rooms",
		Operation: schema.OpSelect,
		Tables:    []string{"rooms"},
	})
	if err == nil || !strings.Contains(err.Error(), `no parquet exports for table "rooms"`) {
		t.Fatalf("Execute() error = %v", err)
	}
}

func buildParquet(rows []roomRow) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[roomRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Put(context.Context, string, io.Reader, int64, storage.PutOptions) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (m *memoryStore) Stat(context.Context, string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for key, body := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(body))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
