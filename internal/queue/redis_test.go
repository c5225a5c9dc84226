package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisQueue(client, "test:q"), mr
}

func envelope(id string, body string) Envelope {
	return Envelope{ID: id, Key: "7", Body: json.RawMessage(body)}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, envelope("job-1", `{"threadId":7}`)))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "job-1", d.ID)
	assert.Equal(t, "7", d.Key)
	assert.Equal(t, 0, d.Attempt)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(1), stats.Active)

	require.NoError(t, d.Ack(ctx))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
}

func TestDequeueIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, envelope("job-1", `{}`)))
	require.NoError(t, q.Enqueue(ctx, envelope("job-2", `{}`)))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, "job-1", first.ID)
	assert.Equal(t, "job-2", second.ID)
}

func TestRetryBumpsAttemptAndDelays(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, envelope("job-1", `{}`)))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, d.Retry(ctx, time.Minute))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Active)

	// Not due yet.
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mr.FastForward(2 * time.Minute)
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "job-1", redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempt)
}

func TestBuryMovesToDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, envelope("job-1", `{}`)))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, d.Bury(ctx, "attempts exhausted"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Equal(t, int64(0), stats.Active)
}

func TestDequeueBuriesUndecodablePayload(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	mr.Lpush("test:q:ready", "this is not json")

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
}

func TestEnqueueDelayedZeroDelayGoesStraightToReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueDelayed(ctx, envelope("job-1", `{}`), 0))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Delayed)
}

func TestDelayedCountsAsWaiting(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, envelope("job-1", `{}`)))
	require.NoError(t, q.EnqueueDelayed(ctx, envelope("job-2", `{}`), time.Hour))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)
}
