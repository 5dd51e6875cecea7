package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stakepilot/engine/internal/domain"
)

const snapshotTTL = 10 * time.Minute

// ListingCache implements domain.ListingCache on Redis. The full listing
// snapshot is stored as one JSON blob so a restarted instance can evaluate
// strategies before the first feed poll completes.
//
// Key schema:
//
//	listings:snapshot   - JSON array of listings
//	listings:updated_at - RFC 3339 timestamp of the last write
type ListingCache struct {
	rdb *redis.Client
}

// NewListingCache creates a ListingCache backed by the given Client.
func NewListingCache(c *Client) *ListingCache {
	return &ListingCache{rdb: c.Underlying()}
}

const (
	snapshotKey  = "listings:snapshot"
	updatedAtKey = "listings:updated_at"
)

// SetSnapshot stores the listing snapshot with a 10-minute TTL.
func (lc *ListingCache) SetSnapshot(ctx context.Context, listings []domain.Listing) error {
	data, err := json.Marshal(listings)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}

	pipe := lc.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey, data, snapshotTTL)
	pipe.Set(ctx, updatedAtKey, time.Now().UTC().Format(time.RFC3339), snapshotTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached listing snapshot. It returns
// domain.ErrNotFound when no snapshot is cached or it has expired.
func (lc *ListingCache) GetSnapshot(ctx context.Context) ([]domain.Listing, error) {
	data, err := lc.rdb.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get snapshot: %w", err)
	}

	var listings []domain.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("redis: unmarshal snapshot: %w", err)
	}
	return listings, nil
}

// Compile-time interface check.
var _ domain.ListingCache = (*ListingCache)(nil)
