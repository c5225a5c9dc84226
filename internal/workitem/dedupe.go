package workitem

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix = "triage:emitted:"
	dedupTTL       = 30 * 24 * time.Hour
	dedupCacheSize = 4096
)

// Deduper guarantees at-most-once emission per (thread, fingerprint). The
// durable record is a Redis SETNX key; a local LRU in front of it absorbs the
// common case of a thread being reprocessed on the same worker.
type Deduper struct {
	client *redis.Client
	local  *lru.Cache[string, struct{}]
}

// NewDeduper builds a deduper on a shared Redis client.
func NewDeduper(client *redis.Client) (*Deduper, error) {
	local, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Deduper{client: client, local: local}, nil
}

func dedupKey(threadID int64, fingerprint string) string {
	return fmt.Sprintf("%s%d:%s", dedupKeyPrefix, threadID, fingerprint)
}

// Claim returns true when this caller is the first to see the fingerprint and
// may emit; false means the same state already produced a work item. Redis
// failures surface as errors so the caller can requeue rather than risk a
// duplicate.
func (d *Deduper) Claim(ctx context.Context, threadID int64, fingerprint string) (bool, error) {
	key := dedupKey(threadID, fingerprint)

	if _, hit := d.local.Get(key); hit {
		return false, nil
	}

	won, err := d.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	d.local.Add(key, struct{}{})
	return won, nil
}

// Release undoes a claim whose emission failed, so a retry can emit.
func (d *Deduper) Release(ctx context.Context, threadID int64, fingerprint string) error {
	key := dedupKey(threadID, fingerprint)
	d.local.Remove(key)
	return d.client.Del(ctx, key).Err()
}
