package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/storage"
)

// Record is one pipeline outcome. It never carries result rows.
type Record struct {
	ID         string
	RequestID  string
	TraceID    string
	Role       string
	UserID     string
	Query      string
	SQL        string
	Success    bool
	Kind       string
	RowCount   int
	Warnings   []string
	DurationMs int64
	CreatedAt  time.Time
}

type Repository interface {
	InsertBatch(ctx context.Context, records []Record) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	ArchivePrefix string
}

// Recorder buffers records in memory and writes them in batches. Recording
// never blocks the request path: when the buffer is full the record is
// dropped and counted.
type Recorder struct {
	Repository  Repository
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time

	once    sync.Once
	records chan Record
}

func NewRecorder(repo Repository, store storage.ObjectStore, cfg Config, logger *slog.Logger) *Recorder {
	r := &Recorder{Repository: repo, ObjectStore: store, Config: cfg, Logger: logger}
	r.ensureDefaults()
	return r
}

func (r *Recorder) ensureDefaults() {
	r.once.Do(func() {
		if r.Clock == nil {
			r.Clock = time.Now
		}
		if r.Config.BufferSize <= 0 {
			r.Config.BufferSize = 1024
		}
		if r.Config.BatchSize <= 0 {
			r.Config.BatchSize = 100
		}
		if r.Config.FlushInterval <= 0 {
			r.Config.FlushInterval = 2 * time.Second
		}
		r.records = make(chan Record, r.Config.BufferSize)
	})
}

// Record enqueues rec and reports whether it was accepted.
func (r *Recorder) Record(rec Record) bool {
	r.ensureDefaults()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.Clock().UTC()
	}
	select {
	case r.records <- rec:
		observability.ObserveAudit("recorded", 1)
		return true
	default:
		observability.ObserveAudit("dropped", 1)
		return false
	}
}

// Run flushes on every interval until ctx is done, then drains what is left
// with a fresh context.
func (r *Recorder) Run(ctx context.Context) error {
	r.ensureDefaults()
	ticker := time.NewTicker(r.Config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Flush(drainCtx); err != nil {
				r.logError(drainCtx, "final audit flush failed", err)
			}
			return nil
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logError(ctx, "audit flush failed", err)
			}
		}
	}
}

// Flush writes every buffered record in batches of Config.BatchSize.
func (r *Recorder) Flush(ctx context.Context) error {
	r.ensureDefaults()
	for {
		batch := r.take(r.Config.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := r.writeBatch(ctx, batch); err != nil {
			observability.ObserveAudit("failed", len(batch))
			return err
		}
	}
}

func (r *Recorder) take(limit int) []Record {
	batch := make([]Record, 0, limit)
	for len(batch) < limit {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) writeBatch(ctx context.Context, batch []Record) error {
	if r.Repository != nil {
		if err := r.Repository.InsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("insert audit batch: %w", err)
		}
		observability.ObserveAudit("flushed", len(batch))
	}
	if r.ObjectStore == nil || strings.TrimSpace(r.Config.ArchivePrefix) == "" {
		return nil
	}

	data, err := EncodeParquet(batch)
	if err != nil {
		return fmt.Errorf("encode audit batch: %w", err)
	}
	key, err := storage.BuildAuditArchivePath(r.Config.ArchivePrefix, r.Clock(), uuid.NewString())
	if err != nil {
		return fmt.Errorf("build audit archive path: %w", err)
	}
	if _, err := r.ObjectStore.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("put audit archive: %w", err)
	}
	observability.ObserveAudit("archived", len(batch))
	return nil
}

func (r *Recorder) logError(ctx context.Context, msg string, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.ErrorContext(ctx, msg, slog.String("error", observability.MaskError(err)))
}

type parquetRecord struct {
	ID              string `parquet:"id"`
	RequestID       string `parquet:"request_id"`
	TraceID         string `parquet:"trace_id"`
	Role            string `parquet:"role"`
	UserID          string `parquet:"user_id"`
	Query           string `parquet:"query"`
	SQL             string `parquet:"sql"`
	Success         bool   `parquet:"success"`
	Kind            string `parquet:"kind"`
	RowCount        int64  `parquet:"row_count"`
	Warnings        string `parquet:"warnings"`
	DurationMs      int64  `parquet:"duration_ms"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

// EncodeParquet writes records as a single parquet file. Warnings are joined
// with newlines.
func EncodeParquet(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}
	rows := make([]parquetRecord, 0, len(records))
	for _, rec := range records {
		rows = append(rows, parquetRecord{
			ID:              rec.ID,
			RequestID:       rec.RequestID,
			TraceID:         rec.TraceID,
			Role:            rec.Role,
			UserID:          rec.UserID,
			Query:           rec.Query,
			SQL:             rec.SQL,
			Success:         rec.Success,
			Kind:            rec.Kind,
			RowCount:        int64(rec.RowCount),
			Warnings:        strings.Join(rec.Warnings, "\n"),
			DurationMs:      rec.DurationMs,
			CreatedAtUnixMs: rec.CreatedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
