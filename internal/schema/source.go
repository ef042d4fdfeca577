package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/storage"
)

// Source produces the catalog document a snapshot is built from.
type Source interface {
	Load(ctx context.Context) (Document, error)
}

// FileSource reads the YAML policy document from Path, or the embedded
// default document when Path is empty.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(s.Path) == "" {
		return DefaultDocument()
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Document{}, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseDocument(raw)
}

// DefaultMaxSnapshotBytes bounds how much of the object store a cached
// catalog snapshot may pull into memory.
const DefaultMaxSnapshotBytes int64 = 16 << 20

// CachedSource persists every document Primary produces and serves the last
// persisted document when Primary fails.
type CachedSource struct {
	Primary  Source
	Store    storage.ObjectStore
	Key      string
	Logger   *slog.Logger
	Clock    func() time.Time
	MaxBytes int64
}

func (s *CachedSource) Load(ctx context.Context) (Document, error) {
	doc, err := s.Primary.Load(ctx)
	if err == nil {
		if saveErr := s.save(ctx, doc); saveErr != nil && s.Logger != nil {
			s.Logger.WarnContext(ctx, "catalog snapshot cache write failed", slog.Any("error", saveErr))
		}
		return doc, nil
	}
	if ctx.Err() != nil {
		return Document{}, err
	}

	cached, cacheErr := s.load(ctx)
	if cacheErr != nil {
		return Document{}, errors.Join(fmt.Errorf("load primary catalog: %w", err), cacheErr)
	}
	if s.Logger != nil {
		s.Logger.WarnContext(ctx, "catalog source failed, using cached snapshot",
			slog.Any("error", err),
			slog.Int64("cached_version", cached.Version),
			slog.Time("cached_at", time.Unix(cached.SavedAt, 0).UTC()),
			slog.Int64("cached_bytes", cached.size),
		)
	}
	return cached.Document, nil
}

func (s *CachedSource) save(ctx context.Context, doc Document) error {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}
	payload, err := encodeDocument(cachedDocument{Version: 1, SavedAt: now().UTC().Unix(), Document: doc})
	if err != nil {
		return err
	}
	if _, err := s.Store.Put(ctx, s.Key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "application/zstd"}); err != nil {
		return fmt.Errorf("write catalog snapshot cache: %w", err)
	}
	return nil
}

func (s *CachedSource) load(ctx context.Context) (cachedDocument, error) {
	info, err := s.Store.Stat(ctx, s.Key)
	if err != nil {
		return cachedDocument{}, fmt.Errorf("stat catalog snapshot cache: %w", err)
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxSnapshotBytes
	}
	if info.Size > limit {
		return cachedDocument{}, fmt.Errorf("catalog snapshot cache is %d bytes, limit %d", info.Size, limit)
	}
	reader, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return cachedDocument{}, fmt.Errorf("read catalog snapshot cache: %w", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return cachedDocument{}, fmt.Errorf("read catalog snapshot cache: %w", err)
	}
	if int64(len(payload)) > limit {
		return cachedDocument{}, fmt.Errorf("catalog snapshot cache exceeds %d bytes", limit)
	}
	cached, err := decodeDocument(payload)
	if err != nil {
		return cachedDocument{}, err
	}
	cached.size = int64(len(payload))
	return cached, nil
}
