package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/orchestrator"
	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
	"github.com/MyAirVault/BruhMCP-sub018/internal/refresh"
	"github.com/MyAirVault/BruhMCP-sub018/internal/session"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// Server exposes the control API over HTTP. All instance lifecycle traffic
// from the platform goes through here; workers themselves are never reachable
// from outside the host.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry store.InstanceRegistry
	sessions *session.Registry
	refresh  *refresh.Coordinator
	log      *slog.Logger

	http *http.Server
}

func New(listen string, orch *orchestrator.Orchestrator, registry store.InstanceRegistry,
	sessions *session.Registry, coord *refresh.Coordinator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		orch:     orch,
		registry: registry,
		sessions: sessions,
		refresh:  coord,
		log:      log,
	}
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	api.POST("/instances/activate", s.handleActivate)
	api.POST("/instances/:id/deactivate", s.handleDeactivate)
	api.POST("/instances/:id/refresh", s.handleRefresh)
	api.POST("/instances/:id/request", s.handleRequest)
	api.GET("/instances/:id", s.handleGetInstance)
	api.GET("/instances", s.handleListInstances)
	api.GET("/health", s.handleHealth)
	api.GET("/sessions/stats", s.handleSessionStats)
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(sctx)
	}
}

func (s *Server) handleActivate(c *gin.Context) {
	var req orchestrator.ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.orch.Activate(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": orchestrator.ErrKind(err)})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeactivate(c *gin.Context) {
	id := c.Param("id")
	existed, err := s.orch.Deactivate(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "stopped": existed})
}

func (s *Server) handleRefresh(c *gin.Context) {
	id := c.Param("id")
	found, err := s.refresh.ForceRefresh(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no credential for instance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "refreshed": true})
}

type requestBody struct {
	Method string          `json:"method" binding:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

// handleRequest routes one request through the instance's handler session,
// creating the session on first use.
func (s *Server) handleRequest(c *gin.Context) {
	id := c.Param("id")
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, ok := s.orch.GetProcessInfo(id)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "instance has no running worker"})
		return
	}
	h, err := s.sessions.GetOrCreate(c.Request.Context(), id, rec.ServiceType, rec.Port)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	reply, err := h.HandleMessage(c.Request.Context(), protocol.Message{
		Type:   protocol.TypeRequest,
		Method: body.Method,
		Params: body.Params,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.sessions.Touch(id)
	if reply.Type == protocol.TypeError {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": reply.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": reply.Result})
}

func (s *Server) handleGetInstance(c *gin.Context) {
	id := c.Param("id")
	meta, err := s.registry.Load(c.Request.Context(), id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := gin.H{"instance": meta}
	if rec, ok := s.orch.GetProcessInfo(id); ok {
		out["process"] = rec
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListInstances(c *gin.Context) {
	metas, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": metas})
}

func (s *Server) handleHealth(c *gin.Context) {
	results := s.orch.HealthCheckAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"workers":       results,
		"breaker_state": s.refresh.BreakerState(),
	})
}

func (s *Server) handleSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.Statistics())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrCredentialMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrPortExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
