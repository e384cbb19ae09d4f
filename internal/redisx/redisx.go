// Package redisx provides the optional Redis-backed layers: webhook event
// deduplication and a cart summary cache. Both are strictly best-effort;
// authoritative state always lives in PostgreSQL and every cache write has
// an explicit invalidation path.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// keyWebhookDedup marks a processed provider event: dedup:webhook:{event_id}.
	keyWebhookDedup = "dedup:webhook:%s"
	// keyCartSummary caches a serialized cart read model: cart_summary:{cart_id}.
	keyCartSummary = "cart_summary:%s"
)

var (
	// TTLDedup outlives the provider's redelivery window.
	TTLDedup = 48 * time.Hour
	// TTLSummary keeps cached read models short-lived; invalidation on
	// mutation is the primary mechanism, the TTL is a backstop.
	TTLSummary = 5 * time.Minute
)

// New creates a redis client for the given address.
func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Dedup is a fast-path guard against redelivered webhook events. A cache
// miss or a redis failure reports "not seen": the database-level idempotency
// of the handlers is the authority.
type Dedup struct {
	rdb *redis.Client
}

// NewDedup creates a Dedup on the given client.
func NewDedup(rdb *redis.Client) *Dedup {
	return &Dedup{rdb: rdb}
}

// Seen reports whether the event id was already marked. A read only: marking
// happens in MarkSeen after the event was handled, so a failed handler leaves
// the redelivery path open. Errors degrade to false so a redis outage never
// drops events.
func (d *Dedup) Seen(ctx context.Context, eventID string) bool {
	n, err := d.rdb.Exists(ctx, fmt.Sprintf(keyWebhookDedup, eventID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// MarkSeen records the event id for the redelivery window. Failures are
// ignored; the webhook_events table is the authoritative guard.
func (d *Dedup) MarkSeen(ctx context.Context, eventID string) {
	d.rdb.Set(ctx, fmt.Sprintf(keyWebhookDedup, eventID), 1, TTLDedup)
}

// SummaryCache stores serialized cart read models. It is invalidated
// explicitly on every cart mutation; it is never the source of truth.
type SummaryCache struct {
	rdb *redis.Client
}

// NewSummaryCache creates a SummaryCache on the given client.
func NewSummaryCache(rdb *redis.Client) *SummaryCache {
	return &SummaryCache{rdb: rdb}
}

// Get returns the cached payload for a cart, or false on miss or error.
func (c *SummaryCache) Get(ctx context.Context, cartID string) ([]byte, bool) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(keyCartSummary, cartID)).Bytes()
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Set stores a serialized read model. Failures are ignored.
func (c *SummaryCache) Set(ctx context.Context, cartID string, payload []byte) {
	c.rdb.Set(ctx, fmt.Sprintf(keyCartSummary, cartID), payload, TTLSummary)
}

// InvalidateSummary drops the cached read model for a cart.
func (c *SummaryCache) InvalidateSummary(ctx context.Context, cartID string) {
	c.rdb.Del(ctx, fmt.Sprintf(keyCartSummary, cartID))
}
