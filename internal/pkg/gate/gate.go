// Package gate provides at-most-once execution per logical key with
// per-owner serialization: any "deliver a side effect exactly once under
// retries/duplication" requirement goes through Process.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/threadline/threadline-backend/internal/logger"
)

// ErrDuplicateSkipped reports that the key was already processed and fn
// was not invoked.
var ErrDuplicateSkipped = errors.New("duplicate request skipped")

// Registry is the idempotency record store. The in-process maps inside
// Gate are the default; a shared Registry (redis) extends the done-set
// across instances. Owner serialization stays process-local either way.
type Registry interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkDone(ctx context.Context, key string) error
}

type Gate struct {
	log       *logger.Logger
	retention time.Duration
	shared    Registry

	mu       sync.Mutex
	done     map[string]time.Time
	inflight map[string]chan struct{}
}

type Option func(*Gate)

func WithRetention(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.retention = d
		}
	}
}

func WithSharedRegistry(r Registry) Option {
	return func(g *Gate) { g.shared = r }
}

func New(baseLog *logger.Logger, opts ...Option) *Gate {
	g := &Gate{
		log:       baseLog.With("component", "Gate"),
		retention: time.Hour,
		done:      make(map[string]time.Time),
		inflight:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Process runs fn at most once for key. If ownerKey already has an
// in-flight execution, Process waits for it and re-checks the registry:
// the in-flight call may have just completed this very key. The key is
// recorded only on success so a failed attempt can be retried; the owner
// lock is always released.
func (g *Gate) Process(ctx context.Context, key, ownerKey string, fn func(context.Context) error) error {
	if key == "" || ownerKey == "" {
		return errors.New("gate: key and ownerKey required")
	}

	for {
		seen, err := g.seen(ctx, key)
		if err != nil {
			return err
		}
		if seen {
			return ErrDuplicateSkipped
		}

		g.mu.Lock()
		if _, ok := g.done[key]; ok {
			g.mu.Unlock()
			return ErrDuplicateSkipped
		}
		wait, busy := g.inflight[ownerKey]
		if !busy {
			ch := make(chan struct{})
			g.inflight[ownerKey] = ch
			g.mu.Unlock()

			err := fn(ctx)
			if err == nil {
				g.markDone(ctx, key)
			}

			g.mu.Lock()
			delete(g.inflight, ownerKey)
			close(ch)
			g.mu.Unlock()
			return err
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (g *Gate) seen(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	_, ok := g.done[key]
	g.mu.Unlock()
	if ok {
		return true, nil
	}
	if g.shared == nil {
		return false, nil
	}
	seen, err := g.shared.Seen(ctx, key)
	if err != nil {
		// Shared registry trouble degrades to local-only checks.
		g.log.Warn("shared idempotency registry unavailable", "error", err)
		return false, nil
	}
	return seen, nil
}

func (g *Gate) markDone(ctx context.Context, key string) {
	g.mu.Lock()
	g.done[key] = time.Now().UTC()
	g.mu.Unlock()
	if g.shared != nil {
		if err := g.shared.MarkDone(ctx, key); err != nil {
			g.log.Warn("failed to record key in shared registry", "error", err)
		}
	}
}

// StartSweeper purges local idempotency records older than the retention
// window so the done-set stays bounded. The shared registry expires its
// own entries via TTL.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged := g.sweepOnce(time.Now().UTC())
				if purged > 0 {
					g.log.Debug("swept idempotency records", "purged", purged)
				}
			}
		}
	}()
}

func (g *Gate) sweepOnce(now time.Time) int {
	cutoff := now.Add(-g.retention)
	g.mu.Lock()
	defer g.mu.Unlock()
	purged := 0
	for key, at := range g.done {
		if at.Before(cutoff) {
			delete(g.done, key)
			purged++
		}
	}
	return purged
}
