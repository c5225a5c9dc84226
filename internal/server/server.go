// Package server exposes the worker's HTTP surface: ingest routes, liveness
// and readiness probes, Prometheus metrics, and the operator endpoints for
// inspecting and transitioning threads.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"triage/internal/llm"
	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/queue"
	"triage/internal/store"
	"triage/internal/utils/id"
)

const readyProbeTimeout = 5 * time.Second

// LLMHealth is the slice of the LLM client the readiness probe needs.
type LLMHealth interface {
	HealthProbe(ctx context.Context) bool
	Model() string
}

// Server bundles the HTTP surface.
type Server struct {
	store   store.Store
	redis   *redis.Client
	llm     LLMHealth
	queues  map[string]queue.Queue
	metrics *observability.Metrics
	logger  logging.Logger
	started time.Time

	engine *gin.Engine
	http   *http.Server
}

// New builds the router. ingressRoutes, if non-nil, gets mounted at the root.
func New(addr string, st store.Store, redisClient *redis.Client, llmClient LLMHealth, queues map[string]queue.Queue, metrics *observability.Metrics, ingressRoutes func(gin.IRouter)) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestID())
	engine.Use(requestLogger())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		store:   st,
		redis:   redisClient,
		llm:     llmClient,
		queues:  queues,
		metrics: metrics,
		logger:  logging.NewComponentLogger("server"),
		started: time.Now(),
		engine:  engine,
	}

	engine.GET("/health", s.health)
	engine.GET("/ready", s.ready)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	engine.GET("/threads/:publicID", s.getThread)
	engine.GET("/threads/:publicID/audit", s.getThreadAudit)
	engine.POST("/threads/:publicID/status", s.postThreadStatus)

	if ingressRoutes != nil {
		ingressRoutes(engine)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Engine exposes the router for httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Shutdown. It returns nil on graceful close.
func (s *Server) Start() error {
	s.logger.Info("http listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// health is pure liveness: the process is up and serving.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptimeSec": int64(time.Since(s.started).Seconds()),
	})
}

type dependencyStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type readyResponse struct {
	Ready    bool                   `json:"ready"`
	Postgres dependencyStatus       `json:"postgres"`
	Redis    dependencyStatus       `json:"redis"`
	LLM      dependencyStatus       `json:"llm"`
	Queues   map[string]queue.Stats `json:"queues,omitempty"`
}

// ready probes the dependencies in parallel. Postgres and Redis gate
// readiness; the LLM result is reported but never flips ready to false, an
// unreachable provider degrades processing without making the pod restart.
func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyProbeTimeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		resp readyResponse
		mu   sync.Mutex
	)
	resp.Queues = make(map[string]queue.Stats, len(s.queues))

	wg.Add(3 + len(s.queues))
	go func() {
		defer wg.Done()
		resp.Postgres = probe(s.store.Ping(ctx))
	}()
	go func() {
		defer wg.Done()
		resp.Redis = probe(s.redis.Ping(ctx).Err())
	}()
	go func() {
		defer wg.Done()
		if s.llm.HealthProbe(ctx) {
			resp.LLM = dependencyStatus{OK: true, Detail: s.llm.Model()}
		} else {
			resp.LLM = dependencyStatus{Detail: "provider unreachable"}
		}
	}()
	for name, q := range s.queues {
		go func(name string, q queue.Queue) {
			defer wg.Done()
			stats, err := q.Stats(ctx)
			if err != nil {
				s.logger.Warn("queue %s stats: %v", name, err)
				return
			}
			mu.Lock()
			resp.Queues[name] = stats
			mu.Unlock()
			s.metrics.QueueWaiting.WithLabelValues(name).Set(float64(stats.Waiting))
			s.metrics.QueueActive.WithLabelValues(name).Set(float64(stats.Active))
		}(name, q)
	}
	wg.Wait()

	resp.Ready = resp.Postgres.OK && resp.Redis.OK
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func probe(err error) dependencyStatus {
	if err != nil {
		return dependencyStatus{Detail: err.Error()}
	}
	return dependencyStatus{OK: true}
}

type threadResponse struct {
	PublicID       string    `json:"publicId"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	PrimarySource  string    `json:"primarySource"`
	State          any       `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func (s *Server) getThread(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, threadResponse{
		PublicID:       thread.PublicID,
		Title:          thread.Title,
		Status:         string(thread.Status),
		PrimarySource:  thread.PrimarySource,
		State:          thread.State,
		CreatedAt:      thread.CreatedAt,
		UpdatedAt:      thread.UpdatedAt,
		LastActivityAt: thread.LastActivityAt,
	})
}

func (s *Server) getThreadAudit(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}
	entries, err := s.store.ListAudit(c.Request.Context(), "thread", thread.ID)
	if err != nil {
		s.logger.Error("list audit for thread %d: %v", thread.ID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// postThreadStatus is the operator transition: resolve, close, or reopen a
// thread. CAS against the loaded updatedAt; a 409 tells the caller to refetch.
func (s *Server) postThreadStatus(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "detail": err.Error()})
		return
	}

	target := store.ThreadStatus(req.Status)
	switch target {
	case store.StatusOpen, store.StatusWaitingOnUser, store.StatusResolved, store.StatusClosed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "detail": req.Status})
		return
	}

	updated, err := s.store.UpdateThreadStatus(c.Request.Context(), thread.ID, target, thread.UpdatedAt)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_transition", "from": string(thread.Status), "to": string(target)})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case err != nil:
		s.logger.Error("thread %d status -> %s: %v", thread.ID, target, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	default:
		c.JSON(http.StatusOK, gin.H{"publicId": updated.PublicID, "status": string(updated.Status)})
	}
}

func (s *Server) loadThread(c *gin.Context) (store.Thread, bool) {
	thread, err := s.store.GetThreadByPublicID(c.Request.Context(), c.Param("publicID"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return store.Thread{}, false
	}
	if err != nil {
		s.logger.Error("load thread %s: %v", c.Param("publicID"), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return store.Thread{}, false
	}
	return thread, true
}

const requestIDHeader = "X-Request-ID"

// requestID assigns each request a correlation id, honoring one supplied by
// the caller, and echoes it on the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = id.NewRequestID()
		}
		c.Set("requestID", rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// requestLogger is a minimal access log on the shared component logger.
func requestLogger() gin.HandlerFunc {
	logger := logging.NewComponentLogger("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			return
		}
		logger.Debug("%s %s -> %d (%s) rid=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.GetString("requestID"))
	}
}

// Ensure the llm client satisfies the probe interface.
var _ LLMHealth = (*llm.Client)(nil)
