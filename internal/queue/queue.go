// Package queue provides the durable FIFO job broker: Redis lists for ready
// and in-flight work, a sorted set for delayed jobs, and a dead-letter list
// for jobs past their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names used by the worker.
const (
	IngestQueue   = "triage:ingest"
	WorkItemQueue = "triage:workitem"
)

// Envelope is the broker-level wrapper around any job payload. Key is the
// ordering key (the thread id for pipeline jobs); the orchestrator's lease
// table serializes processing per key.
type Envelope struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Body       json.RawMessage `json:"body"`
}

// Stats are the per-queue depth counters surfaced by the readiness endpoint.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Delivery is one dequeued envelope that must be settled exactly once with
// Ack, Retry, or Bury.
type Delivery struct {
	Envelope
	raw    string
	source settler
}

type settler interface {
	ack(ctx context.Context, raw string) error
	retry(ctx context.Context, raw string, env Envelope, delay time.Duration) error
	bury(ctx context.Context, raw string, env Envelope, reason string) error
}

// Ack removes the job from the in-flight list; it is done.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.source.ack(ctx, d.raw)
}

// Retry re-enqueues the job with the given delay and a bumped attempt count.
func (d *Delivery) Retry(ctx context.Context, delay time.Duration) error {
	env := d.Envelope
	env.Attempt++
	return d.source.retry(ctx, d.raw, env, delay)
}

// Bury moves the job to the dead-letter list.
func (d *Delivery) Bury(ctx context.Context, reason string) error {
	return d.source.bury(ctx, d.raw, d.Envelope, reason)
}

// Queue is the broker contract.
type Queue interface {
	Enqueue(ctx context.Context, env Envelope) error
	EnqueueDelayed(ctx context.Context, env Envelope, delay time.Duration) error
	// Dequeue blocks up to its internal poll interval; a nil Delivery with a
	// nil error means the queue was empty.
	Dequeue(ctx context.Context) (*Delivery, error)
	Stats(ctx context.Context) (Stats, error)
}
