package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stakepilot/engine/internal/domain"
)

// CachedProvider decorates a SnapshotProvider with a write-through listing
// cache. Successful fetches refresh the cache; fetch failures fall back to
// the last cached snapshot so a feed outage does not blind the engine.
type CachedProvider struct {
	inner  domain.SnapshotProvider
	cache  domain.ListingCache
	logger *slog.Logger
}

// NewCachedProvider wraps inner with cache.
func NewCachedProvider(inner domain.SnapshotProvider, cache domain.ListingCache, logger *slog.Logger) *CachedProvider {
	return &CachedProvider{
		inner:  inner,
		cache:  cache,
		logger: logger.With(slog.String("component", "feed_cache")),
	}
}

var _ domain.SnapshotProvider = (*CachedProvider)(nil)

// Snapshot fetches from the inner provider, refreshing the cache on success
// and serving the cached snapshot when the fetch fails.
func (p *CachedProvider) Snapshot(ctx context.Context) ([]domain.Listing, error) {
	listings, err := p.inner.Snapshot(ctx)
	if err == nil {
		if cacheErr := p.cache.SetSnapshot(ctx, listings); cacheErr != nil {
			p.logger.Warn("snapshot cache write failed", slog.String("error", cacheErr.Error()))
		}
		return listings, nil
	}

	cached, cacheErr := p.cache.GetSnapshot(ctx)
	if cacheErr != nil {
		if !errors.Is(cacheErr, domain.ErrNotFound) {
			p.logger.Warn("snapshot cache read failed", slog.String("error", cacheErr.Error()))
		}
		return nil, err
	}

	p.logger.Warn("feed unavailable, serving cached snapshot",
		slog.String("error", err.Error()),
		slog.Int("listings", len(cached)))
	return cached, nil
}
