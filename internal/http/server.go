// Package http serves the read-only plan API, Prometheus metrics and the
// approval decision endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/plangate/internal/approval"
	"github.com/fyrsmithlabs/plangate/internal/blackboard"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/secrets"
	"github.com/fyrsmithlabs/plangate/internal/store"
)

// Deps are the components the API reads from. Store and Gate are required.
type Deps struct {
	Store      *store.Store
	Gate       *approval.Gate
	Blackboard *blackboard.Blackboard
	Evidence   *evidence.Writer
	Scrubber   secrets.Scrubber
	Metrics    *HTTPMetrics
	Logger     *logging.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Listen  string
	Version string

	// RateLimit is decisions per second per client on the decision
	// endpoint. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Server provides the plangate HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config *Config

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("approval gate cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{Listen: "127.0.0.1:9190", RateLimit: 20}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.Noop{}
	}
	logger := logging.OrNop(deps.Logger).Named("http")
	if deps.Metrics == nil {
		deps.Metrics = NewHTTPMetrics(nil, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(deps.Metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		deps:     deps,
		logger:   logger,
		config:   cfg,
		limiters: make(map[string]*rate.Limiter),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/plans", s.handleListPlans)
	v1.GET("/plans/:id", s.handleGetPlan)
	v1.GET("/plans/:id/evidence", s.handleGetEvidence)
	v1.GET("/approvals", s.handleApprovals)
	v1.POST("/plans/:id/steps/:step/decision", s.handleDecision, s.rateLimit)
	v1.GET("/blackboard", s.handleBlackboard)
	v1.GET("/blackboard/history", s.handleBlackboardHistory)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:           "ok",
		Version:          s.config.Version,
		Plans:            CountPlans(c.Request().Context(), s.deps.Store),
		PendingApprovals: len(s.deps.Gate.Pending()),
	}
	if s.deps.Blackboard != nil {
		st := s.deps.Blackboard.Snapshot()
		resp.Blackboard = BlackboardStatus{
			Version:       st.Version,
			CurrentPlanID: st.CurrentPlanID,
			CurrentPhase:  st.CurrentPhase,
			CurrentStepID: st.CurrentStepID,
		}
	}
	if resp.Plans.Total < 0 {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListPlans(c echo.Context) error {
	summaries, err := s.deps.Store.List(c.Request().Context())
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleGetPlan(c echo.Context) error {
	p, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleGetEvidence(c echo.Context) error {
	if s.deps.Evidence == nil {
		return echo.NewHTTPError(http.StatusNotFound, "evidence is not served")
	}
	rec, err := s.deps.Evidence.Load(c.Param("id"))
	switch {
	case errors.Is(err, evidence.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, evidence.ErrTampered):
		s.logger.Error(c.Request().Context(), "evidence failed verification", zap.String("plan.id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, ApprovalsResponse{Pending: s.deps.Gate.Pending()})
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision, _, err := approval.ParseDecision(req.Decision)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor field is required")
	}

	planID, stepID := c.Param("id"), c.Param("step")
	reason := s.deps.Scrubber.Scrub(req.Reason).Scrubbed
	ctx := logging.WithActor(logging.WithStep(logging.WithPlanID(c.Request().Context(), planID), stepID), req.Actor)

	if err := s.deps.Gate.Resolve(planID, stepID, decision, req.Actor, reason); err != nil {
		if errors.Is(err, approval.ErrNoPendingRequest) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Info(ctx, "approval decision received", zap.String("decision", string(decision)))

	return c.JSON(http.StatusOK, DecisionResponse{
		PlanID:   planID,
		StepID:   stepID,
		Decision: string(decision),
		Actor:    req.Actor,
	})
}

func (s *Server) handleBlackboard(c echo.Context) error {
	if s.deps.Blackboard == nil {
		return echo.NewHTTPError(http.StatusNotFound, "blackboard is not served")
	}
	return c.JSON(http.StatusOK, s.deps.Blackboard.Snapshot())
}

func (s *Server) handleBlackboardHistory(c echo.Context) error {
	if s.deps.Blackboard == nil {
		return echo.NewHTTPError(http.StatusNotFound, "blackboard is not served")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	entries, err := s.deps.Blackboard.History(limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error(c.Request().Context(), "store read failed", zap.Error(err))
	return err
}

// rateLimit limits decision requests per client IP.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.RateLimit <= 0 {
			return next(c)
		}
		ip := c.RealIP()
		if !s.limiter(ip).Allow() {
			s.deps.Metrics.recordRateLimited(c.Request().Context())
			s.logger.Warn(c.Request().Context(), "rate limit exceeded", zap.String("ip", ip))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

func (s *Server) limiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop idle limiters hourly.
	if time.Since(s.lastCleanup) > time.Hour {
		s.limiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.Burst)
		s.limiters[ip] = l
	}
	return l
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.config.Listen))
	if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
