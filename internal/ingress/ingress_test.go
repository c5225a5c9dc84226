package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage/internal/observability"
	"triage/internal/pipeline"
	"triage/internal/queue"
	"triage/internal/store"
)

type fixture struct {
	st     *store.MemoryStore
	ingest *queue.RedisQueue
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	st := store.NewMemoryStore()
	ingest := queue.NewRedisQueue(client, queue.IngestQueue)

	h, err := NewHandler(st, ingest, observability.NewMetrics())
	require.NoError(t, err)

	router := gin.New()
	h.Register(router)
	return &fixture{st: st, ingest: ingest, router: router}
}

func (f *fixture) post(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, path, payload)
}

func (f *fixture) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func validPayload() map[string]any {
	return map[string]any{
		"messagePublicId": "msg_001",
		"source":          "api",
		"senderType":      "user",
		"senderName":      "Ada",
		"text":            "the export crashes on large files",
	}
}

func TestIngestAcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/ingest/message", validPayload())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		ThreadPublicID  string `json:"threadPublicId"`
		MessagePublicID string `json:"messagePublicId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ThreadPublicID)
	assert.Equal(t, "msg_001", resp.MessagePublicID)

	// The message is stored and a job is on the queue.
	thread, err := f.st.GetThreadByPublicID(context.Background(), resp.ThreadPublicID)
	require.NoError(t, err)
	messages, err := f.st.ListMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "the export crashes on large files", messages[0].Text)

	d, err := f.ingest.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	var job pipeline.Job
	require.NoError(t, json.Unmarshal(d.Body, &job))
	assert.Equal(t, thread.ID, job.ThreadID)
}

func TestIngestAppendsToExistingThread(t *testing.T) {
	f := newFixture(t)

	first := validPayload()
	rec := f.post(t, "/ingest/message", first)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ThreadPublicID string `json:"threadPublicId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	second := validPayload()
	second["messagePublicId"] = "msg_002"
	second["threadPublicId"] = resp.ThreadPublicID
	second["text"] = "it happens on version 2.3.1"
	rec = f.post(t, "/ingest/message", second)
	require.Equal(t, http.StatusAccepted, rec.Code)

	thread, err := f.st.GetThreadByPublicID(context.Background(), resp.ThreadPublicID)
	require.NoError(t, err)
	messages, err := f.st.ListMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestIngestDuplicateMessageIs409(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/ingest/message", validPayload())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.post(t, "/ingest/message", validPayload())
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Exactly one job was enqueued.
	stats, err := f.ingest.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestIngestRejectsOversizeText(t *testing.T) {
	f := newFixture(t)

	payload := validPayload()
	payload["text"] = strings.Repeat("x", maxTextBytes+1)
	rec := f.post(t, "/ingest/message", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsMissingFields(t *testing.T) {
	f := newFixture(t)

	for _, field := range []string{"messagePublicId", "senderType", "text"} {
		payload := validPayload()
		delete(payload, field)
		rec := f.post(t, "/ingest/message", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "missing %s", field)
	}
}

func TestIngestMinimalBodyDefaultsSource(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/ingest/message", map[string]any{
		"messagePublicId": "msg_min",
		"senderType":      "user",
		"text":            "search returns nothing for exact matches",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		ThreadPublicID string `json:"threadPublicId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	thread, err := f.st.GetThreadByPublicID(context.Background(), resp.ThreadPublicID)
	require.NoError(t, err)
	messages, err := f.st.ListMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "other", messages[0].Source)
	assert.Equal(t, "other", thread.PrimarySource)
}

func TestIngestRejectsUnknownSource(t *testing.T) {
	f := newFixture(t)

	payload := validPayload()
	payload["source"] = "carrier-pigeon"
	rec := f.post(t, "/ingest/message", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsUnknownSenderType(t *testing.T) {
	f := newFixture(t)

	payload := validPayload()
	payload["senderType"] = "robot"
	rec := f.post(t, "/ingest/message", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestUserReplyReopensWaitingThread(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/ingest/message", validPayload())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ThreadPublicID string `json:"threadPublicId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	thread, err := f.st.GetThreadByPublicID(context.Background(), resp.ThreadPublicID)
	require.NoError(t, err)
	_, err = f.st.UpdateThreadStatus(context.Background(), thread.ID, store.StatusWaitingOnUser, thread.UpdatedAt)
	require.NoError(t, err)

	payload := validPayload()
	payload["messagePublicId"] = "msg_002"
	payload["threadPublicId"] = resp.ThreadPublicID
	payload["text"] = "version is 2.3.1"
	rec = f.post(t, "/ingest/message", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	reloaded, err := f.st.GetThread(context.Background(), thread.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpen, reloaded.Status)
}

func TestIngestInternalNoteDefaultsToInternalVisibility(t *testing.T) {
	f := newFixture(t)

	payload := validPayload()
	payload["senderType"] = "internal"
	payload["senderName"] = "support-agent"
	rec := f.post(t, "/ingest/message", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ThreadPublicID string `json:"threadPublicId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	thread, err := f.st.GetThreadByPublicID(context.Background(), resp.ThreadPublicID)
	require.NoError(t, err)
	messages, err := f.st.ListMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.VisibilityInternal, messages[0].Visibility)
}

func TestEditMessageReprocessesThread(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/ingest/message", validPayload())
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Drain the ingest job from the original post.
	_, err := f.ingest.Dequeue(context.Background())
	require.NoError(t, err)

	rec = f.do(t, http.MethodPatch, "/ingest/message/msg_001", map[string]any{"text": "corrected text"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	msg, err := f.st.GetMessageByPublicID(context.Background(), "msg_001")
	require.NoError(t, err)
	assert.Equal(t, "corrected text", msg.Text)
	assert.NotNil(t, msg.EditedAt)

	d, err := f.ingest.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d, "edit must enqueue a reprocess job")
}

func TestDeleteMessageTombstones(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/ingest/message", validPayload())
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/ingest/message/msg_001", nil)
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusAccepted, out.Code)

	thread, err := f.st.GetThreadByPublicID(context.Background(), mustThreadPublicID(t, rec))
	require.NoError(t, err)
	messages, err := f.st.ListMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	assert.Empty(t, messages, "tombstoned message must leave the live listing")
}

func TestEditUnknownMessageIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPatch, "/ingest/message/msg_missing", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func mustThreadPublicID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		ThreadPublicID string `json:"threadPublicId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ThreadPublicID
}
