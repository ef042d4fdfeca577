package schema

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/querygate/querygate/internal/storage"
)

func TestCatalogLookupBeforeRefresh(t *testing.T) {
	catalog := NewCatalog(FileSource{}, time.Minute, nil)
	if _, err := catalog.LookupTable("rooms"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("LookupTable() error = %v, want ErrNotLoaded", err)
	}
}

func TestCatalogRefreshAndLookup(t *testing.T) {
	catalog := NewCatalog(FileSource{}, time.Minute, nil)
	snap, err := catalog.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.Version() != 1 {
		t.Fatalf("Version() = %d, want 1", snap.Version())
	}
	table, err := catalog.LookupTable("rooms")
	if err != nil {
		t.Fatalf("LookupTable() error = %v", err)
	}
	if !table.HasColumn("private_room_rent") {
		t.Fatalf("rooms columns = %v", table.ColumnNames())
	}
	if _, err := catalog.LookupTable("payments"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupTable(payments) error = %v, want ErrNotFound", err)
	}
	if _, err := catalog.PermissionsFor("guest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("PermissionsFor(guest) error = %v, want ErrNotFound", err)
	}
	profile, err := catalog.PermissionsFor("MANAGER")
	if err != nil {
		t.Fatalf("PermissionsFor() error = %v", err)
	}
	if !profile.AllowsTable("tenants") {
		t.Fatalf("manager tables = %v", profile.Tables)
	}
}

func TestCatalogRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	source := &switchSource{}
	doc, _ := DefaultDocument()
	source.set(doc, nil)

	catalog := NewCatalog(source, time.Minute, nil)
	first, err := catalog.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	source.set(Document{}, errors.New("source down"))
	if _, err := catalog.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	current, err := catalog.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if current != first {
		t.Fatal("failed refresh replaced the snapshot")
	}

	source.set(Document{Tables: []TableSpec{{Name: "a", Columns: []ColumnSpec{{Name: "id"}, {Name: "id"}}}}}, nil)
	if _, err := catalog.Refresh(context.Background()); err == nil {
		t.Fatal("expected invalid document error")
	}
	current, _ = catalog.Snapshot()
	if current != first {
		t.Fatal("invalid document replaced the snapshot")
	}
}

func TestCatalogConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	source := &switchSource{}
	doc, _ := DefaultDocument()
	source.set(doc, nil)
	catalog := NewCatalog(source, time.Minute, nil)
	if _, err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := catalog.Snapshot()
				if err != nil {
					t.Errorf("Snapshot() error = %v", err)
					return
				}
				if len(snap.TableNames()) != 10 {
					t.Errorf("snapshot %d has %d tables", snap.Version(), len(snap.TableNames()))
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if _, err := catalog.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
	}
	close(stop)
	wg.Wait()

	snap, _ := catalog.Snapshot()
	if snap.Version() != 21 {
		t.Fatalf("Version() = %d, want 21", snap.Version())
	}
}

func TestCatalogRunRefreshesOnInvalidate(t *testing.T) {
	source := &switchSource{}
	doc, _ := DefaultDocument()
	source.set(doc, nil)
	catalog := NewCatalog(source, time.Hour, nil)
	if _, err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- catalog.Run(ctx) }()

	catalog.Invalidate()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := catalog.Snapshot()
		if snap.Version() >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Invalidate() did not trigger a refresh")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestCachedSourceFallsBackToStoredDocument(t *testing.T) {
	store := newMemStore()
	source := &switchSource{}
	doc, _ := DefaultDocument()
	source.set(doc, nil)

	cached := &CachedSource{Primary: source, Store: store, Key: "catalog/snapshot.msgpack.zst"}
	if _, err := cached.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := store.objects["catalog/snapshot.msgpack.zst"]; !ok {
		t.Fatal("expected cached snapshot to be written")
	}

	source.set(Document{}, errors.New("introspection failed"))
	got, err := cached.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() fallback error = %v", err)
	}
	if len(got.Tables) != len(doc.Tables) || len(got.Profiles) != len(doc.Profiles) {
		t.Fatalf("fallback document = %d tables, %d profiles", len(got.Tables), len(got.Profiles))
	}
	if _, err := NewSnapshot(got, 1, time.Now()); err != nil {
		t.Fatalf("NewSnapshot(fallback) error = %v", err)
	}
}

func TestCachedSourceFailsWithoutCache(t *testing.T) {
	source := &switchSource{}
	source.set(Document{}, errors.New("introspection failed"))
	cached := &CachedSource{Primary: source, Store: newMemStore(), Key: "catalog/snapshot.msgpack.zst"}
	_, err := cached.Load(context.Background())
	if err == nil {
		t.Fatal("expected error when primary and cache both fail")
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("error = %v, want wrapped ErrObjectNotFound", err)
	}
}

func TestCachedSourceRefusesOversizedSnapshot(t *testing.T) {
	store := newMemStore()
	source := &switchSource{}
	doc, _ := DefaultDocument()
	source.set(doc, nil)

	cached := &CachedSource{Primary: source, Store: store, Key: "catalog/snapshot.msgpack.zst", MaxBytes: 8}
	if _, err := cached.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	source.set(Document{}, errors.New("introspection failed"))
	_, err := cached.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "limit 8") {
		t.Fatalf("Load() error = %v, want size limit error", err)
	}
}

func TestDocumentCodecRoundTrip(t *testing.T) {
	doc, _ := DefaultDocument()
	payload, err := encodeDocument(cachedDocument{Version: 3, SavedAt: 1700000000, Document: doc})
	if err != nil {
		t.Fatalf("encodeDocument() error = %v", err)
	}
	decoded, err := decodeDocument(payload)
	if err != nil {
		t.Fatalf("decodeDocument() error = %v", err)
	}
	if decoded.Version != 3 || decoded.Document.Tables[1].Columns[3].Values[0] != doc.Tables[1].Columns[3].Values[0] {
		t.Fatalf("decoded = %+v", decoded)
	}
	if _, err := decodeDocument([]byte("not zstd")); err == nil {
		t.Fatal("expected decode error for garbage payload")
	}
}

type switchSource struct {
	mu  sync.Mutex
	doc Document
	err error
}

func (s *switchSource) set(doc Document, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	s.err = err
}

func (s *switchSource) Load(context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc, s.err
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = payload
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (m *memStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func (m *memStore) List(context.Context, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}
