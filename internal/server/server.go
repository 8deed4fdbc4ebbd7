// Package server provides the HTTP API for evidenced.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/agent"
	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/connectors"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/logging"
	"github.com/fyrsmithlabs/evidenced/internal/store"
)

// ProviderRegistry is the slice of the model router the API exposes.
type ProviderRegistry interface {
	ListAvailable() []llm.ProviderInfo
	SelectDefault() (string, error)
}

// SessionRunner drives evidence sessions; implemented by the executor.
type SessionRunner interface {
	StartSession(ctx context.Context, checkIDs []string, provider string) (*compliance.EvidenceSession, error)
	RunSession(ctx context.Context, sessionID string) error
	RequestCancel(sessionID string)
}

// Conversation handles chat turns; implemented by the agent controller.
type Conversation interface {
	HandleMessage(ctx context.Context, sessionID, text string) (*agent.Turn, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Options wires a Server.
type Options struct {
	Registry     ProviderRegistry
	Runner       SessionRunner
	Conversation Conversation
	Checks       store.CheckStore
	Sessions     store.SessionStore
	Evidence     store.EvidenceStore

	// Approvals annotates review decisions on the approval channel;
	// Ticketing files approved evidence with the GRC system. Either may
	// be nil to disable it.
	Approvals connectors.ApprovalChannel
	Ticketing connectors.TicketingSystem

	Logger *logging.Logger
	Config *Config
}

// Server provides HTTP endpoints for evidenced.
type Server struct {
	echo      *echo.Echo
	registry  ProviderRegistry
	runner    SessionRunner
	chat      Conversation
	checks    store.CheckStore
	sessions  store.SessionStore
	evidence  store.EvidenceStore
	approvals connectors.ApprovalChannel
	ticketing connectors.TicketingSystem
	logger    *logging.Logger
	config    *Config
}

// New creates the HTTP server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Runner == nil || opts.Conversation == nil {
		return nil, fmt.Errorf("registry, runner and conversation are required")
	}
	if opts.Checks == nil || opts.Sessions == nil || opts.Evidence == nil {
		return nil, fmt.Errorf("check, session and evidence stores are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(
				logging.ContextWithRequestID(c.Request().Context(), requestID)))

			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)))
			return err
		}
	})

	s := &Server{
		echo:      e,
		registry:  opts.Registry,
		runner:    opts.Runner,
		chat:      opts.Conversation,
		checks:    opts.Checks,
		sessions:  opts.Sessions,
		evidence:  opts.Evidence,
		approvals: opts.Approvals,
		ticketing: opts.Ticketing,
		logger:    logger.Named("server"),
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/providers", s.handleListProviders)

	v1.GET("/checks", s.handleListChecks)
	v1.POST("/checks", s.handleImportCheck)

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.GET("/sessions/:id/steps", s.handleGetSteps)
	v1.POST("/sessions/:id/cancel", s.handleCancelSession)
	v1.POST("/sessions/:id/chat", s.handleChat)
	v1.GET("/sessions/:id/evidence", s.handleListEvidence)

	v1.POST("/evidence/:id/review", s.handleReviewEvidence)
	v1.POST("/evidence/:id/resubmit", s.handleResubmitEvidence)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ProvidersResponse is the response body for GET /api/v1/providers.
type ProvidersResponse struct {
	Providers []llm.ProviderInfo `json:"providers"`
	Default   string             `json:"default,omitempty"`
}

func (s *Server) handleListProviders(c echo.Context) error {
	resp := ProvidersResponse{Providers: s.registry.ListAvailable()}
	if def, err := s.registry.SelectDefault(); err == nil {
		resp.Default = def
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListChecks(c echo.Context) error {
	checks, err := s.checks.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list checks")
	}
	return c.JSON(http.StatusOK, checks)
}

func (s *Server) handleImportCheck(c echo.Context) error {
	var check compliance.ComplianceCheck
	if err := c.Bind(&check); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if check.ID == "" || check.CheckName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and check_name are required")
	}

	now := time.Now()
	if check.CreatedAt.IsZero() {
		check.CreatedAt = now
	}
	check.UpdatedAt = now
	if err := s.checks.Put(c.Request().Context(), &check); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store check")
	}
	return c.JSON(http.StatusCreated, check)
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	CheckIDs []string `json:"check_ids"`
	Provider string   `json:"provider,omitempty"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.CheckIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "check_ids field is required")
	}

	provider := req.Provider
	if provider == "" {
		selected, err := s.registry.SelectDefault()
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "no llm provider configured")
		}
		provider = selected
	}

	session, err := s.runner.StartSession(c.Request().Context(), req.CheckIDs, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown check id")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}

	// Collection runs in the background; progress is read via the
	// session endpoints.
	go func() {
		ctx := logging.ContextWithSessionID(context.Background(), session.ID)
		if err := s.runner.RunSession(ctx, session.ID); err != nil {
			s.logger.Error(ctx, "session run failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}()

	return c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c echo.Context) error {
	session, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) handleGetSteps(c echo.Context) error {
	steps, err := s.sessions.ReadProgressSteps(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load steps")
	}
	return c.JSON(http.StatusOK, steps)
}

func (s *Server) handleCancelSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.sessions.Get(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	s.runner.RequestCancel(id)
	return c.NoContent(http.StatusAccepted)
}

// ChatRequest is the request body for POST /api/v1/sessions/:id/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	turn, err := s.chat.HandleMessage(c.Request().Context(), c.Param("id"), req.Message)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to handle message")
	}
	return c.JSON(http.StatusOK, turn)
}

func (s *Server) handleListEvidence(c echo.Context) error {
	items, err := s.evidence.ListBySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list evidence")
	}
	return c.JSON(http.StatusOK, items)
}

// ReviewRequest is the request body for POST /api/v1/evidence/:id/review.
type ReviewRequest struct {
	Status   string `json:"status"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

// handleReviewEvidence applies a human review decision. Approval files
// the item with the ticketing system when one is configured.
func (s *Server) handleReviewEvidence(c echo.Context) error {
	ctx := c.Request().Context()

	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	item, err := s.evidence.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "evidence not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load evidence")
	}

	if err := item.SetReview(compliance.ReviewStatus(req.Status), req.Reviewer, req.Notes); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if s.approvals != nil && item.ApprovalHandle != "" {
		if err := s.approvals.UpdateRequest(ctx, item.ApprovalHandle, string(item.ReviewStatus), req.Notes); err != nil {
			s.logger.Warn(ctx, "approval message update failed",
				zap.String("evidence_id", item.ID), zap.Error(err))
		}
	}

	if item.ReviewStatus == compliance.ReviewApproved && s.ticketing != nil {
		submissionID, err := s.ticketing.SubmitEvidence(ctx, connectors.EvidenceSubmission{
			CheckID:     item.CheckID,
			FileName:    item.File.Name,
			FilePath:    item.SourcePath,
			Metadata:    map[string]any{"evidence_id": item.ID, "hash": item.File.Hash},
			CollectedAt: item.CreatedAt,
		})
		if err != nil {
			s.logger.Warn(ctx, "evidence submission failed",
				zap.String("evidence_id", item.ID), zap.Error(err))
		} else {
			item.SubmissionID = submissionID
		}
	}

	if err := s.evidence.Update(ctx, item); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store review")
	}
	return c.JSON(http.StatusOK, item)
}

// handleResubmitEvidence loops a requires_changes item back to pending.
func (s *Server) handleResubmitEvidence(c echo.Context) error {
	ctx := c.Request().Context()

	item, err := s.evidence.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "evidence not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load evidence")
	}

	if err := item.Resubmit(); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := s.evidence.Update(ctx, item); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store resubmission")
	}
	return c.JSON(http.StatusOK, item)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
