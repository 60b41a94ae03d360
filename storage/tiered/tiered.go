// Package tiered provides a Hot/Cold tiered gosubs.StatusCache that puts a fast per-process
// cache (Hot) in front of a shared cache (Cold) such as Redis.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache (e.g., memory.NewStatusCacheWithTTL) consulted first.
	// Its TTL bounds how long another instance's invalidation can go unseen.
	Hot gosubs.StatusCache

	// Cold is the L2 cache (e.g., Redis) shared between instances
	Cold gosubs.StatusCache

	// AsyncColdWrites makes Set return after the Hot write and fills Cold in the background.
	// Invalidations are always synchronous on both tiers.
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Cache implements a Hot/Cold tiered status cache:
// - Read-Through: Get (Hot → Cold → populate Hot)
// - Write-Through: Set (Hot, then Cold inline or async)
// - Invalidate: both tiers, Cold first
type Cache struct {
	hot  gosubs.StatusCache
	cold gosubs.StatusCache
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ gosubs.StatusCache = (*Cache)(nil)

// New creates a new tiered cache.
func New(config Config) (*Cache, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold caches are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	c := &Cache{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncColdWrites {
		c.startWorker()
	}

	return c, nil
}

// Close gracefully shuts down the async worker (if enabled), draining queued writes.
func (c *Cache) Close() error {
	if c.conf.AsyncColdWrites {
		c.closeOnce.Do(func() {
			close(c.shutdown)
			c.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (c *Cache) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case job := <-c.syncQueue:
				c.runJob(job)
			case <-c.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-c.syncQueue:
						c.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *Cache) runJob(job func() error) {
	if err := job(); err != nil {
		c.reportAsyncError(fmt.Errorf("tiered cache sync failed: %w", err))
	}
}

func (c *Cache) reportAsyncError(err error) {
	if c.conf.AsyncErrorHandler != nil {
		c.conf.AsyncErrorHandler(err)
	}
}

// Get implements gosubs.StatusCache with read-through strategy.
func (c *Cache) Get(ctx context.Context, userID string) (*gosubs.StatusView, bool, error) {
	// 1. Try Hot
	if view, ok, err := c.hot.Get(ctx, userID); err == nil && ok {
		return view, true, nil
	}

	// 2. Try Cold
	view, ok, err := c.cold.Get(ctx, userID)
	if err != nil || !ok {
		return nil, false, err
	}

	// 3. Populate Hot (Read-Repair)
	// We ignore errors here as it's just a cache fill
	_ = c.hot.Set(ctx, view) //nolint:errcheck // Cache fill is best effort
	return view, true, nil
}

// Set implements gosubs.StatusCache with write-through strategy.
func (c *Cache) Set(ctx context.Context, view *gosubs.StatusView) error {
	if err := c.hot.Set(ctx, view); err != nil {
		return fmt.Errorf("hot cache write failed: %w", err)
	}

	if !c.conf.AsyncColdWrites {
		return c.cold.Set(ctx, view)
	}

	viewCopy := *view
	// the request context may be gone by the time the worker runs
	bgCtx := context.WithoutCancel(ctx)
	select {
	case c.syncQueue <- func() error { return c.cold.Set(bgCtx, &viewCopy) }:
	default:
		c.reportAsyncError(fmt.Errorf("tiered cache sync queue full, dropped write for %s", view.UserID))
	}
	return nil
}

// Invalidate implements gosubs.StatusCache. Cold goes first so a concurrent Get cannot
// repopulate Hot from a stale Cold entry after Hot was cleared.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	coldErr := c.cold.Invalidate(ctx, userID)
	hotErr := c.hot.Invalidate(ctx, userID)
	return errors.Join(coldErr, hotErr)
}
