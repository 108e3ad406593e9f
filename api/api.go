// Package api is the HTTP surface of warden: the slash command endpoint,
// the chat events endpoint, health and metrics.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"warden/core"
	"warden/service"
	"warden/storage"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ExceptionCommands compiles and deploys exception commands
type ExceptionCommands interface {
	Submit(ctx context.Context, req service.ExceptionRequest) (string, error)
	History(ctx context.Context, limit int) ([]storage.DeploymentRecord, error)
}

// CaseCommands runs the case lifecycle commands
type CaseCommands interface {
	CloseCase(ctx context.Context, rawCaseID string) (service.CloseResult, error)
	MarkFalsePositive(ctx context.Context, rawAlertID string) (service.FPResult, error)
	ListOpen() []core.OpenCase
	ClearAlertLogs(ctx context.Context) (int, error)
}

// SuggestionCommands queues classifier analyses
type SuggestionCommands interface {
	Submit(ctx context.Context, rawAlertID, responseURL string) (string, error)
	SubmitCleanup(ctx context.Context, rawAlertID, responseURL string) (string, error)
}

// RequestReportCommands queues top request lookups
type RequestReportCommands interface {
	Submit(ctx context.Context, args, responseURL string) (string, error)
}

// IPListCommands manages the WAF IP lists
type IPListCommands interface {
	Allow(ctx context.Context, args string) (string, error)
	Deny(ctx context.Context, args string) (string, error)
	Delete(ctx context.Context, args string) (string, error)
	List(ctx context.Context, args string) (string, error)
}

// MessageIntake receives chat message events
type MessageIntake interface {
	Accept(msg service.ChatMessage) service.Disposition
}

// Services are the flows behind the endpoints. Suggestions, Reports and
// IPLists may be nil when their backends are not configured.
type Services struct {
	Exceptions  ExceptionCommands
	Cases       CaseCommands
	Suggestions SuggestionCommands
	Reports     RequestReportCommands
	IPLists     IPListCommands
	Intake      MessageIntake
}

// Config holds HTTP server settings
type Config struct {
	Addr string
	// SigningSecret verifies chat platform requests; empty disables verification
	SigningSecret string
	// AllowedChannels restricts slash commands to these channel IDs; empty allows all
	AllowedChannels   []string
	RequestsPerSecond float64
	Burst             int
	HistoryLimit      int
}

// API holds the API server
type API struct {
	router         *mux.Router
	server         *http.Server
	cfg            Config
	services       Services
	validate       *validator.Validate
	logger         *zap.SugaredLogger
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
	now            func() time.Time
}

// NewAPI creates the API server. Exceptions, Cases and Intake are required.
func NewAPI(cfg Config, services Services, logger *zap.SugaredLogger) *API {
	if services.Exceptions == nil || services.Cases == nil || services.Intake == nil {
		panic("exception, case and intake services are required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.SigningSecret == "" {
		logger.Warnw("Chat signing secret not set, request signatures are not verified")
	}

	a := &API{
		router:       mux.NewRouter(),
		cfg:          cfg,
		services:     services,
		validate:     validator.New(),
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	chat := a.router.PathPrefix("/slack").Subrouter()
	chat.Use(a.rateLimitMiddleware)
	chat.Use(a.signatureMiddleware)
	chat.HandleFunc("/commands", a.handleCommand).Methods(http.MethodPost)
	chat.HandleFunc("/events", a.handleEvent).Methods(http.MethodPost)
}

// Handler returns the router, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	a.logger.Infow("API server listening", "addr", a.cfg.Addr)
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if a.services.Suggestions == nil || a.services.IPLists == nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"time":       a.now().UTC().Format(time.RFC3339),
		"open_cases": len(a.services.Cases.ListOpen()),
	}, a.logger)
}
