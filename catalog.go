package main

import (
	"context"
	"sync"
	"time"
)

// ModelCatalog caches the backend's installed-model list so member validation
// doesn't hit the backend on every request. Thread-safe; entries expire after
// the configured TTL.
type ModelCatalog struct {
	mu          sync.RWMutex
	gateway     ModelGateway
	models      map[string]bool
	lastUpdated time.Time
	ttl         time.Duration
}

// NewModelCatalog creates a catalog over the given gateway with the given TTL.
func NewModelCatalog(gateway ModelGateway, ttl time.Duration) *ModelCatalog {
	return &ModelCatalog{
		gateway: gateway,
		ttl:     ttl,
	}
}

// cached returns the cached model set if present and not expired.
func (c *ModelCatalog) cached() (map[string]bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.models == nil || time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}
	return c.models, true
}

// refresh fetches the installed-model list from the backend and replaces the
// cached set.
func (c *ModelCatalog) refresh(ctx context.Context) (map[string]bool, error) {
	ids, err := c.gateway.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	models := make(map[string]bool, len(ids))
	for _, id := range ids {
		models[id] = true
	}

	c.mu.Lock()
	c.models = models
	c.lastUpdated = time.Now()
	c.mu.Unlock()

	return models, nil
}

// Missing returns the subset of candidates not installed on the backend,
// preserving input order. Returns an error when the catalog is empty and the
// backend cannot be reached; callers decide whether to proceed unvalidated.
func (c *ModelCatalog) Missing(ctx context.Context, candidates []string) ([]string, error) {
	models, ok := c.cached()
	if !ok {
		var err error
		if models, err = c.refresh(ctx); err != nil {
			return nil, err
		}
	}

	var missing []string
	for _, candidate := range candidates {
		if !models[candidate] {
			missing = append(missing, candidate)
		}
	}
	return missing, nil
}

// Invalidate drops the cached set, forcing a refresh on next use.
func (c *ModelCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = nil
	c.lastUpdated = time.Time{}
}

// LastUpdated returns when the catalog was last refreshed.
func (c *ModelCatalog) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdated
}
