// Package http is the service edge: routing, authentication, admission,
// request-scoped logging, and translation between wire shapes and the
// pricing application.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/models"
)

// Pricer is the application surface the edge calls into.
type Pricer interface {
	ComputeFee(ctx context.Context, clientID, ticker string, positionValue decimal.Decimal, loanDays int) (models.CalculationResult, error)
	CurrentRate(ctx context.Context, ticker string) (models.BorrowRateQuote, error)
	ClientTier(ctx context.Context, clientID string) models.ClientTier
}

// Admitter decides whether a request may proceed. retryAfter accompanies a
// rejection wrapping ErrRateLimited.
type Admitter interface {
	Allow(ctx context.Context, clientID string, tier models.ClientTier) (retryAfter time.Duration, err error)
}

// CacheAdmin is the slice of the cache tier the admin endpoints need.
type CacheAdmin interface {
	Purge(ctx context.Context, category, id string) error
	PurgeCategory(ctx context.Context, category string) (int, error)
	Healthy(ctx context.Context) error
}

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the edge to the rest of the service. DB and BreakerStates may
// be nil; the health report degrades accordingly.
type Deps struct {
	Pricer  Pricer
	Limiter Admitter
	Cache   CacheAdmin
	DB      Pinger

	// BreakerStates reports each feed's circuit state for /health.
	BreakerStates func() map[string]string
}

// Server is the HTTP front of the pricing service.
type Server struct {
	cfg    config.HTTPConfig
	router *mux.Router
	server *http.Server
	deps   Deps
	log    zerolog.Logger
}

func NewServer(cfg config.HTTPConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		deps:   deps,
		log:    log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Operational endpoints stay outside authentication.
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rates/{ticker}", s.handleCurrentRate).Methods(http.MethodGet)
	api.HandleFunc("/calculate-locate", s.handleCalculateLocate).Methods(http.MethodPost)
	api.HandleFunc("/admin/cache/purge", s.handleCachePurge).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// Handler exposes the composed router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
