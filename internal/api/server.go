package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bookingsync/internal/config"
	"bookingsync/internal/domain"
	"bookingsync/internal/logging"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	permReadQueues    = "read:queues"
	permWriteQueues   = "write:queues"
	permReadAuth      = "read:auth"
	permReadBookings  = "read:bookings"
	permWriteBookings = "write:bookings"
)

// Deps are the collaborators behind the HTTP surface. Events, Pending and
// Queue are required; the rest disable their endpoints when nil.
type Deps struct {
	Events      domain.EventSubmitter
	Pending     domain.PendingReporter
	Resync      domain.BookingResyncer
	Queue       domain.QueueAdmin
	Credentials domain.CredentialReporter
	Upstream    domain.UpstreamWriter
	Bookings    domain.BookingStore
	Clock       clockwork.Clock
}

// Server is the inbound HTTP surface: upstream webhooks, operator endpoints,
// health and metrics.
type Server struct {
	e       *echo.Echo
	cfg     config.APIConfig
	deps    Deps
	auth    *apiKeyAuth
	schema  *jsonschema.Schema
	maxBody int64
	clock   clockwork.Clock
	started time.Time
	logger  zerolog.Logger
}

func NewServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) (*Server, error) {
	if deps.Events == nil || deps.Pending == nil || deps.Queue == nil {
		return nil, errors.New("api: events, pending and queue dependencies are required")
	}
	schema, err := compileWebhookSchema()
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	maxBody := cfg.Webhook.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		auth:    newAPIKeyAuth(cfg),
		schema:  schema,
		maxBody: maxBody,
		clock:   deps.Clock,
		started: deps.Clock.Now(),
		logger:  logging.Component(logger, "api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), requestIDMiddleware(), loggingMiddleware(s.logger))

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	hooks := e.Group("/webhooks")
	hooks.POST("/beds24", s.handleWebhook)
	hooks.POST("/beds24/v2", s.handleWebhook)

	admin := e.Group("/admin")
	admin.GET("/queues/stats", s.handleQueueStats, s.auth.require(permReadQueues))
	admin.GET("/queues/health", s.handleQueueHealth, s.auth.require(permReadQueues))
	admin.GET("/queues/jobs/:id", s.handleGetJob, s.auth.require(permReadQueues))
	admin.POST("/queues/retry-failed", s.handleRetryFailed, s.auth.require(permWriteQueues))
	admin.POST("/queues/clean", s.handleClean, s.auth.require(permWriteQueues))
	admin.GET("/queues/dead-letters", s.handleDeadLetters, s.auth.require(permReadQueues))
	admin.GET("/webhooks/pending", s.handleWebhookStatus, s.auth.require(permReadQueues))
	admin.GET("/auth", s.handleCredentials, s.auth.require(permReadAuth))
	admin.GET("/bookings/:id", s.handleGetBooking, s.auth.require(permReadBookings))
	admin.POST("/bookings/:id/resync", s.handleResync, s.auth.require(permWriteBookings))
	admin.POST("/bookings/:id/cancel", s.handleCancel, s.auth.require(permWriteBookings))

	s.e = e
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTP.Port)
	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{"status": "ok"}
	if s.deps.Credentials != nil {
		resp["credentials"] = s.deps.Credentials.Snapshot().State
	}
	return c.JSON(http.StatusOK, resp)
}
