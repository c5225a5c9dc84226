package workitem

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage/internal/gatekeeper"
	"triage/internal/queue"
	"triage/internal/state"
	"triage/internal/store"
)

func sampleThread() store.Thread {
	return store.Thread{
		ID:       7,
		PublicID: "th_abc",
		Title:    "export is broken",
		State: state.ThreadState{
			Summary:          "CSV export crashes on large files",
			UserGoal:         "export data to CSV",
			Intent:           state.IntentBug,
			KnownEnvironment: map[string]string{"os": "macOS 15", "appVersion": "2.3.1"},
			ReproSteps:       []string{"open settings", "click export"},
			ExpectedBehavior: "a CSV file downloads",
			ActualBehavior:   "the app crashes",
			WorkItemCandidates: []state.Candidate{
				{Type: "Bug", ShortTitle: "Export crash on large files", Confidence: 0.9},
			},
			Recommendation: state.Recommendation{Action: state.ActionCreateBugWorkItem, Reason: "clear repro", Confidence: 0.85},
		},
	}
}

func TestBuildUsesTopCandidateTitle(t *testing.T) {
	thread := sampleThread()
	decision := gatekeeper.Gate(thread.State)
	require.True(t, decision.ShouldCreate)

	item := Build(thread, decision)
	assert.Equal(t, "Export crash on large files", item.Title)
	assert.Equal(t, gatekeeper.TypeBug, item.Type)
	assert.Equal(t, int64(7), item.ThreadID)
	assert.Equal(t, thread.State.Fingerprint(), item.Fingerprint)

	assert.Contains(t, item.Description, "CSV export crashes on large files")
	assert.Contains(t, item.Description, "1. open settings")
	assert.Contains(t, item.Description, "Expected: a CSV file downloads")
	assert.Contains(t, item.Description, "os: macOS 15")
	assert.Contains(t, item.Description, "clear repro")
}

func TestBuildFallsBackToThreadTitle(t *testing.T) {
	thread := sampleThread()
	thread.State.WorkItemCandidates = nil
	thread.State.Recommendation = state.Recommendation{Action: state.ActionCreateBugWorkItem, Confidence: 0.9}

	item := Build(thread, gatekeeper.Decision{ShouldCreate: true, WorkItemType: gatekeeper.TypeBug})
	assert.Equal(t, "export is broken", item.Title)
}

func newDeduper(t *testing.T) *Deduper {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	d, err := NewDeduper(client)
	require.NoError(t, err)
	return d
}

func TestDeduperClaimOnlyOnce(t *testing.T) {
	d := newDeduper(t)
	ctx := context.Background()

	won, err := d.Claim(ctx, 7, "fp-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = d.Claim(ctx, 7, "fp-1")
	require.NoError(t, err)
	assert.False(t, won)

	// A different fingerprint on the same thread claims independently.
	won, err = d.Claim(ctx, 7, "fp-2")
	require.NoError(t, err)
	assert.True(t, won)

	// Same fingerprint on a different thread claims independently.
	won, err = d.Claim(ctx, 8, "fp-1")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestDeduperReleaseAllowsReclaim(t *testing.T) {
	d := newDeduper(t)
	ctx := context.Background()

	won, err := d.Claim(ctx, 7, "fp-1")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, d.Release(ctx, 7, "fp-1"))

	won, err = d.Claim(ctx, 7, "fp-1")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestQueueEmitterEnqueuesItem(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	q := queue.NewRedisQueue(client, queue.WorkItemQueue)

	thread := sampleThread()
	item := Build(thread, gatekeeper.Gate(thread.State))

	ctx := context.Background()
	require.NoError(t, NewQueueEmitter(q).Emit(ctx, item))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "7", d.Key)

	var got Item
	require.NoError(t, json.Unmarshal(d.Body, &got))
	assert.Equal(t, item, got)
}

func TestLogEmitterNeverFails(t *testing.T) {
	thread := sampleThread()
	item := Build(thread, gatekeeper.Gate(thread.State))
	assert.NoError(t, NewLogEmitter().Emit(context.Background(), item))
}
