// Package storage is the object-store contract shared by the catalog
// snapshot cache, the audit archiver and the duckdb executor.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Get and Stat for absent keys. Callers
// treat it as "no cached snapshot" or "no export yet", never as an outage.
var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

// ObjectStore is append-mostly: the service writes snapshots and audit
// archives and reads table exports, but never removes anything. Export
// retention belongs to whatever produces the exports.
type ObjectStore interface {
	// Put writes a catalog snapshot or an audit archive batch.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat sizes an object before it is read into memory.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns objects under prefix sorted by key, with keys relative to
	// the store's own prefix. Table exports live at <prefix>/<table>/*.parquet
	// (see BuildTableExportPrefix) and are read in key order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
