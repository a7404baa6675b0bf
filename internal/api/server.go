// Package api exposes the narrow collaborator surface in front of the
// pipeline: one query route, the document-change notification route, and a
// health probe. The product's real routing layer lives outside this
// repository.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/answerstack/raggate/internal/config"
	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/pipeline"
	"github.com/answerstack/raggate/pkg/qcache/invalidation"
	"github.com/answerstack/raggate/pkg/store"
)

// Server hosts the HTTP collaborator surface
type Server struct {
	engine       *gin.Engine
	http         *http.Server
	orchestrator *pipeline.Orchestrator
	hook         *invalidation.Hook
	storeClient  *store.ResilientClient
	validator    *requestValidator
	logger       observability.Logger
	metrics      observability.MetricsClient
}

// NewServer wires the routes
func NewServer(
	cfg config.ServerConfig,
	orchestrator *pipeline.Orchestrator,
	hook *invalidation.Hook,
	storeClient *store.ResilientClient,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Server, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.BurstRPS > 0 {
		engine.Use(burstGuard(cfg.BurstRPS, cfg.BurstSize, metrics))
	}

	s := &Server{
		engine:       engine,
		orchestrator: orchestrator,
		hook:         hook,
		storeClient:  storeClient,
		validator:    validator,
		logger:       logger.WithPrefix("api"),
		metrics:      metrics,
	}

	engine.POST("/v1/query", s.handleQuery)
	engine.POST("/v1/documents/changed", s.handleDocumentChanged)
	engine.GET("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler, for tests
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("listening", map[string]interface{}{"addr": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleQuery(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if err := validateAgainst(s.validator.query, body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req pipeline.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}

	resp, err := s.orchestrator.Handle(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDocumentChanged(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if err := validateAgainst(s.validator.document, body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var notice struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &notice); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}

	s.hook.OnDocumentChanged(c.Request.Context(), notice.UserID)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.storeClient.Health(ctx); err != nil {
		// Degraded, not down: the pipeline fails open without the store.
		c.JSON(http.StatusOK, gin.H{"status": "degraded", "store": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) writeError(c *gin.Context, err error) {
	if denied, ok := pipeline.AsAdmissionDenied(err); ok {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"denied":              true,
			"retry_after_seconds": int(math.Ceil(denied.RetryAfter.Seconds())),
			"limiting_tier":       denied.Tier,
		})
		return
	}
	if errors.Is(err, pipeline.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if upstream, ok := pipeline.AsUpstream(err); ok {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "upstream unavailable",
			"service": upstream.Service,
		})
		return
	}

	s.logger.Error("request failed", map[string]interface{}{"error": err.Error()})
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
