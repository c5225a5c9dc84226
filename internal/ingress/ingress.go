// Package ingress accepts customer-support messages over HTTP, persists them
// idempotently, and enqueues pipeline jobs.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/pipeline"
	"triage/internal/queue"
	"triage/internal/store"
	"triage/internal/utils/id"
)

// maxTextBytes is the per-message text size limit.
const maxTextBytes = 16 * 1024

const idempotencyCacheSize = 8192

// Handler owns the ingest endpoints.
type Handler struct {
	store   store.Store
	ingest  queue.Queue
	metrics *observability.Metrics
	logger  logging.Logger

	// seen short-circuits repeated submissions of the same message public id
	// without a round trip to the store. The store's unique index remains the
	// durable guarantee.
	seen *lru.Cache[string, struct{}]
}

// NewHandler wires the ingress handler.
func NewHandler(st store.Store, ingest queue.Queue, metrics *observability.Metrics) (*Handler, error) {
	seen, err := lru.New[string, struct{}](idempotencyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Handler{
		store:   st,
		ingest:  ingest,
		metrics: metrics,
		logger:  logging.NewComponentLogger("ingress"),
		seen:    seen,
	}, nil
}

// Register mounts the ingest routes on a router group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/ingest/message", h.postMessage)
	r.PATCH("/ingest/message/:publicID", h.editMessage)
	r.DELETE("/ingest/message/:publicID", h.deleteMessage)
}

type ingestRequest struct {
	ThreadPublicID  string         `json:"threadPublicId"`
	MessagePublicID string         `json:"messagePublicId" binding:"required"`
	Source          string         `json:"source"`
	SenderType      string         `json:"senderType" binding:"required"`
	SenderName      string         `json:"senderName"`
	Visibility      string         `json:"visibility"`
	Title           string         `json:"title"`
	Text            string         `json:"text" binding:"required"`
	Timestamp       *time.Time     `json:"timestamp"`
	Metadata        map[string]any `json:"metadata"`
}

type ingestResponse struct {
	ThreadPublicID  string `json:"threadPublicId"`
	MessagePublicID string `json:"messagePublicId"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.reject(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Text) > maxTextBytes {
		h.reject(c, http.StatusBadRequest, "text_too_large",
			"text exceeds "+strconv.Itoa(maxTextBytes)+" bytes")
		return
	}

	senderType := store.SenderType(req.SenderType)
	if senderType != store.SenderUser && senderType != store.SenderInternal {
		h.reject(c, http.StatusBadRequest, "invalid_sender_type", "senderType must be user or internal")
		return
	}

	source := req.Source
	switch source {
	case "":
		source = "other"
	case "widget", "api", "other":
	default:
		h.reject(c, http.StatusBadRequest, "invalid_source", "source must be widget, api, or other")
		return
	}

	if _, dup := h.seen.Get(req.MessagePublicID); dup {
		h.reject(c, http.StatusConflict, "duplicate", "message already ingested")
		return
	}

	ctx := c.Request.Context()

	threadPublicID := req.ThreadPublicID
	if threadPublicID == "" {
		threadPublicID = id.NewPublicID()
	}
	title := req.Title
	if title == "" {
		title = firstLine(req.Text)
	}

	thread, err := h.store.GetOrCreateThread(ctx, threadPublicID, title, source)
	if err != nil {
		h.logger.Error("get or create thread %s: %v", threadPublicID, err)
		h.reject(c, http.StatusServiceUnavailable, "store_unavailable", "persistence unavailable")
		return
	}

	msg := store.Message{
		PublicID:   req.MessagePublicID,
		ThreadID:   thread.ID,
		Source:     source,
		SenderType: senderType,
		SenderName: req.SenderName,
		Visibility: visibilityFor(req.Visibility, senderType),
		Text:       req.Text,
		Metadata:   req.Metadata,
	}
	if req.Timestamp != nil {
		msg.CreatedAt = req.Timestamp.UTC()
	}

	if _, err := h.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			h.seen.Add(req.MessagePublicID, struct{}{})
			h.reject(c, http.StatusConflict, "duplicate", "message already ingested")
			return
		}
		h.logger.Error("insert message %s: %v", req.MessagePublicID, err)
		h.reject(c, http.StatusServiceUnavailable, "store_unavailable", "persistence unavailable")
		return
	}
	h.seen.Add(req.MessagePublicID, struct{}{})

	// A user replying to a thread that was waiting on them reopens it. Best
	// effort: a CAS loss here just means someone else already moved it.
	if thread.Status == store.StatusWaitingOnUser && senderType == store.SenderUser {
		if _, err := h.store.UpdateThreadStatus(ctx, thread.ID, store.StatusOpen, thread.UpdatedAt); err != nil &&
			!errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrInvalidTransition) {
			h.logger.Warn("reopen thread %d: %v", thread.ID, err)
		}
	}

	if err := h.enqueueJob(ctx, thread, req.MessagePublicID); err != nil {
		h.logger.Error("enqueue job for thread %d: %v", thread.ID, err)
		h.reject(c, http.StatusServiceUnavailable, "broker_unavailable", "message stored, processing delayed")
		return
	}

	h.metrics.IngressAccepted.Inc()
	c.JSON(http.StatusAccepted, ingestResponse{
		ThreadPublicID:  thread.PublicID,
		MessagePublicID: req.MessagePublicID,
	})
}

type editRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *Handler) editMessage(c *gin.Context) {
	publicID := c.Param("publicID")

	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.reject(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Text) > maxTextBytes {
		h.reject(c, http.StatusBadRequest, "text_too_large",
			"text exceeds "+strconv.Itoa(maxTextBytes)+" bytes")
		return
	}

	ctx := c.Request.Context()
	msg, err := h.store.GetMessageByPublicID(ctx, publicID)
	if err != nil {
		h.messageError(c, publicID, err)
		return
	}
	if err := h.store.EditMessage(ctx, publicID, req.Text); err != nil {
		h.messageError(c, publicID, err)
		return
	}
	h.reprocess(c, msg.ThreadID, publicID)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	publicID := c.Param("publicID")

	ctx := c.Request.Context()
	msg, err := h.store.GetMessageByPublicID(ctx, publicID)
	if err != nil {
		h.messageError(c, publicID, err)
		return
	}
	if err := h.store.TombstoneMessage(ctx, publicID); err != nil {
		h.messageError(c, publicID, err)
		return
	}
	h.reprocess(c, msg.ThreadID, publicID)
}

// reprocess enqueues a fresh job so the thread state reflects the edit or
// tombstone.
func (h *Handler) reprocess(c *gin.Context, threadID int64, messagePublicID string) {
	ctx := c.Request.Context()
	thread, err := h.store.GetThread(ctx, threadID)
	if err != nil {
		h.logger.Error("load thread %d: %v", threadID, err)
		h.reject(c, http.StatusServiceUnavailable, "store_unavailable", "persistence unavailable")
		return
	}
	if err := h.enqueueJob(ctx, thread, messagePublicID); err != nil {
		h.logger.Error("enqueue job for thread %d: %v", threadID, err)
		h.reject(c, http.StatusServiceUnavailable, "broker_unavailable", "change stored, processing delayed")
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) enqueueJob(ctx context.Context, thread store.Thread, messagePublicID string) error {
	body, err := json.Marshal(pipeline.Job{
		ThreadID:        thread.ID,
		ThreadPublicID:  thread.PublicID,
		MessagePublicID: messagePublicID,
	})
	if err != nil {
		return err
	}
	return h.ingest.Enqueue(ctx, queue.Envelope{
		ID:   id.NewJobID(),
		Key:  strconv.FormatInt(thread.ID, 10),
		Body: body,
	})
}

func (h *Handler) messageError(c *gin.Context, publicID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.reject(c, http.StatusNotFound, "not_found", "message "+publicID+" not found")
		return
	}
	h.logger.Error("message %s: %v", publicID, err)
	h.reject(c, http.StatusServiceUnavailable, "store_unavailable", "persistence unavailable")
}

func (h *Handler) reject(c *gin.Context, status int, reason, detail string) {
	h.metrics.IngressRejected.WithLabelValues(reason).Inc()
	c.JSON(status, gin.H{"error": reason, "detail": detail})
}

func visibilityFor(requested string, sender store.SenderType) store.Visibility {
	switch store.Visibility(requested) {
	case store.VisibilityPublic, store.VisibilityInternal:
		return store.Visibility(requested)
	}
	if sender == store.SenderInternal {
		return store.VisibilityInternal
	}
	return store.VisibilityPublic
}

func firstLine(text string) string {
	const maxTitle = 120
	for i, r := range text {
		if r == '\n' || i >= maxTitle {
			return text[:i]
		}
	}
	return text
}
