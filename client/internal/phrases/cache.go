// Package phrases caches the quick-reply phrases offered by the input box.
package phrases

import (
	"context"
	"sync"
	"time"

	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/logger"
)

// Source fetches the current phrases. The REST client implements it.
type Source interface {
	FixedPhrases(ctx context.Context) ([]api.FixedPhrase, error)
}

// Cache holds the last successfully fetched phrases. It is created once per
// app start and passed to whoever needs it; it only changes on Refresh.
type Cache struct {
	source Source

	mu          sync.RWMutex
	phrases     []api.FixedPhrase
	loaded      bool
	lastUpdated time.Time
}

func NewCache(source Source) *Cache {
	return &Cache{source: source}
}

// Refresh fetches the phrases and replaces the cached copy. On error the
// previous copy is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	phrases, err := c.source.FixedPhrases(ctx)
	if err != nil {
		return err
	}

	fresh := make([]api.FixedPhrase, len(phrases))
	copy(fresh, phrases)

	c.mu.Lock()
	c.phrases = fresh
	c.loaded = true
	c.lastUpdated = time.Now()
	c.mu.Unlock()

	logger.Log.Debug("fixed phrases refreshed", "count", len(fresh))
	return nil
}

// Get returns a copy of the cached phrases, loading them on first use.
func (c *Cache) Get(ctx context.Context) ([]api.FixedPhrase, error) {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()

	if !loaded {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]api.FixedPhrase, len(c.phrases))
	copy(out, c.phrases)
	return out, nil
}

func (c *Cache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// StartBackgroundRefresh refreshes the cache every interval until ctx is
// done. The returned channel is closed when the goroutine exits.
func (c *Cache) StartBackgroundRefresh(ctx context.Context, interval time.Duration) <-chan struct{} {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	logger.Log.Info("started fixed phrase refresh", "interval", interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					logger.Log.Warn("fixed phrase refresh failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
