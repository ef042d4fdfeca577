package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/querygate/querygate/internal/observability"
)

// Catalog publishes immutable snapshots. Readers load the current pointer and
// never take a lock; Refresh builds a complete replacement before swapping.
type Catalog struct {
	Source          Source
	RefreshInterval time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time

	current    atomic.Pointer[Snapshot]
	refreshMu  sync.Mutex
	invalidate chan struct{}
	once       sync.Once
}

func NewCatalog(source Source, refreshInterval time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{Source: source, RefreshInterval: refreshInterval, Logger: logger}
}

func (c *Catalog) init() {
	c.once.Do(func() {
		c.invalidate = make(chan struct{}, 1)
		if c.Clock == nil {
			c.Clock = time.Now
		}
		if c.RefreshInterval <= 0 {
			c.RefreshInterval = 5 * time.Minute
		}
	})
}

// Snapshot returns the snapshot currently in effect.
func (c *Catalog) Snapshot() (*Snapshot, error) {
	snap := c.current.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}
	return snap, nil
}

func (c *Catalog) LookupTable(name string) (Table, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return Table{}, err
	}
	table, ok := snap.Table(name)
	if !ok {
		return Table{}, fmt.Errorf("table %q: %w", name, ErrNotFound)
	}
	return table, nil
}

func (c *Catalog) PermissionsFor(role string) (Profile, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return Profile{}, err
	}
	profile, ok := snap.Profile(role)
	if !ok {
		return Profile{}, fmt.Errorf("role %q: %w", role, ErrNotFound)
	}
	return profile, nil
}

// Refresh loads a new document and swaps it in. On failure the previous
// snapshot stays in effect.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	c.init()
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	next, err := c.build(ctx)
	if err != nil {
		observability.ObserveCatalogRefresh(false, c.currentVersion())
		if c.Logger != nil {
			c.Logger.ErrorContext(ctx, "catalog refresh failed",
				slog.Any("error", err),
				slog.Int64("version", c.currentVersion()),
			)
		}
		return nil, err
	}
	c.current.Store(next)
	observability.ObserveCatalogRefresh(true, next.Version())
	if c.Logger != nil {
		c.Logger.InfoContext(ctx, "catalog refreshed",
			slog.Int64("version", next.Version()),
			slog.Int("tables", len(next.TableNames())),
			slog.Int("roles", len(next.Roles())),
		)
	}
	return next, nil
}

func (c *Catalog) build(ctx context.Context) (*Snapshot, error) {
	if c.Source == nil {
		return nil, fmt.Errorf("catalog source is required")
	}
	doc, err := c.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	snap, err := NewSnapshot(doc, c.currentVersion()+1, c.Clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("build catalog snapshot: %w", err)
	}
	return snap, nil
}

func (c *Catalog) currentVersion() int64 {
	if snap := c.current.Load(); snap != nil {
		return snap.Version()
	}
	return 0
}

// Invalidate asks a running refresh loop to reload immediately.
func (c *Catalog) Invalidate() {
	c.init()
	select {
	case c.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes on RefreshInterval and on Invalidate until ctx is done.
func (c *Catalog) Run(ctx context.Context) error {
	c.init()
	ticker := time.NewTicker(c.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.invalidate:
		}
		_, _ = c.Refresh(ctx)
	}
}
