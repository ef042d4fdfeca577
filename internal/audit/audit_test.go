package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/querygate/querygate/internal/storage"
)

func TestRecordDropsWhenBufferIsFull(t *testing.T) {
	recorder := NewRecorder(nil, nil, Config{BufferSize: 2}, nil)
	if !recorder.Record(Record{Query: "one"}) || !recorder.Record(Record{Query: "two"}) {
		t.Fatalf("Record() rejected a record with buffer space left")
	}
	if recorder.Record(Record{Query: "three"}) {
		t.Fatalf("Record() accepted a record into a full buffer")
	}
}

func TestFlushWritesBatchesAndArchives(t *testing.T) {
	repo := &fakeRepository{}
	store := newMemoryStore()
	fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	recorder := &Recorder{
		Repository:  repo,
		ObjectStore: store,
		Config:      Config{BufferSize: 10, BatchSize: 2, ArchivePrefix: "audit"},
		Clock:       func() time.Time { return fixed },
	}
	for _, q := range []string{"a", "b", "c"} {
		recorder.Record(Record{Query: q, Role: "basic", Success: true, Warnings: []string{"w1", "w2"}})
	}

	if err := recorder.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(repo.batches) != 2 || len(repo.batches[0]) != 2 || len(repo.batches[1]) != 1 {
		t.Fatalf("batches = %v", repo.batchSizes())
	}
	for _, rec := range repo.batches[0] {
		if rec.ID == "" || !rec.CreatedAt.Equal(fixed) {
			t.Fatalf("record defaults not applied: %+v", rec)
		}
	}

	keys := store.keys()
	if len(keys) != 2 {
		t.Fatalf("archived keys = %v", keys)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "audit/date=2026-03-04/audit-") || !strings.HasSuffix(key, ".parquet") {
			t.Fatalf("archive key = %q", key)
		}
	}

	data := store.objects[keys[0]]
	rows, err := parquet.Read[parquetRecord](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parquet.Read() error = %v", err)
	}
	if len(rows) == 0 || rows[0].Role != "basic" || rows[0].Warnings != "w1\nw2" {
		t.Fatalf("archived rows = %+v", rows)
	}
}

func TestFlushReportsRepositoryFailure(t *testing.T) {
	repo := &fakeRepository{err: errors.New("db down")}
	recorder := NewRecorder(repo, nil, Config{}, nil)
	recorder.Record(Record{Query: "a"})

	err := recorder.Flush(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insert audit batch") {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	repo := &fakeRepository{}
	recorder := NewRecorder(repo, nil, Config{FlushInterval: time.Hour}, nil)
	recorder.Record(Record{Query: "pending"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- recorder.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancellation")
	}
	if got := repo.batchSizes(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("batches = %v", got)
	}
}

func TestEncodeParquetRejectsEmpty(t *testing.T) {
	if _, err := EncodeParquet(nil); err == nil {
		t.Fatalf("EncodeParquet(nil) error = nil")
	}
}

type fakeRepository struct {
	mu      sync.Mutex
	err     error
	batches [][]Record
}

func (f *fakeRepository) InsertBatch(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]Record(nil), records...))
	return nil
}

func (f *fakeRepository) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, 0, len(f.batches))
	for _, batch := range f.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for _, key := range m.keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key})
		}
	}
	return out, nil
}

func (m *memoryStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
