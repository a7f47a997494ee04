// Command borrowd serves the locate-fee pricing API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stocklend/borrowdesk/internal/application/pricing"
	"github.com/stocklend/borrowdesk/internal/application/ratelimit"
	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/infrastructure/db"
	"github.com/stocklend/borrowdesk/internal/infrastructure/feeds"
	httpx "github.com/stocklend/borrowdesk/internal/interfaces/http"
	"github.com/stocklend/borrowdesk/internal/persistence/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{
		Use:           "borrowd",
		Short:         "Securities lending locate-fee pricing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the pricing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve)

	return root.ExecuteContext(ctx)
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out = os.Stderr
	logger := zerolog.New(out).With().Timestamp().Logger()
	if os.Getenv("LOG_FORMAT") == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}
	return logger
}

func runServe(ctx context.Context, configPath string) error {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	// Redis being down at startup is tolerable: the tier runs L1-only and
	// rate limiting degrades to local enforcement until it returns.
	remote, err := cache.Connect(ctx, cfg.Cache.URL, cfg.Cache.Password, cfg.Cache.DB)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running with local cache only")
		remote = nil
	}
	if remote != nil {
		defer remote.Client().Close()
	}

	ttls := map[string]time.Duration{
		cache.CategoryBorrowRate:  cfg.Cache.TTLBorrowRate,
		cache.CategorySecurity:    cfg.Cache.TTLSecurity,
		cache.CategoryVolatility:  cfg.Cache.TTLVolatility,
		cache.CategoryEventRisk:   cfg.Cache.TTLEventRisk,
		cache.CategoryBroker:      cfg.Cache.TTLBrokerConfig,
		cache.CategoryCalculation: cfg.Cache.TTLCalculation,
		cache.CategoryMinRate:     cfg.Cache.TTLFallbackMinRate,
	}
	tier := cache.New(cache.NewLocal(cfg.Cache.LocalCapacity), remote, ttls)

	repos := newRepos(database, cfg.Database.QueryTimeout)

	secLend := feeds.NewSecLend(cfg.Feeds.SecLend, tier, repos.fallbacks, cfg.Pricing.GlobalMinRate, log)
	volatility := feeds.NewVolatility(cfg.Feeds.Volatility, tier, cfg.Pricing.DefaultVolatility, log)
	events := feeds.NewEvents(cfg.Feeds.Events, tier, cfg.Feeds.EventHorizon, cfg.Feeds.EventTypeWeights, log)

	audit := pricing.NewAuditQueue(repos.audit, cfg.Audit.QueueSize, cfg.Database.QueryTimeout, log)
	audit.Start()

	orchestrator := pricing.NewOrchestrator(
		cfg.Pricing, tier,
		repos.securities, repos.brokers,
		secLend, volatility, events,
		audit, log,
	)

	var shared redis.UniversalClient
	if remote != nil {
		shared = remote.Client()
	}
	limiter := ratelimit.New(cfg.Limits, shared, log)

	server := httpx.NewServer(cfg.HTTP, httpx.Deps{
		Pricer:  orchestrator,
		Limiter: limiter,
		Cache:   tier,
		DB:      database,
		BreakerStates: func() map[string]string {
			return map[string]string{
				"seclend":    secLend.BreakerState(),
				"volatility": volatility.BreakerState(),
				"events":     events.BreakerState(),
			}
		},
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.Audit.FlushTimeout)
	defer cancelFlush()
	if err := audit.Close(flushCtx); err != nil {
		log.Error().Err(err).Msg("audit queue did not drain in time")
	}
	return nil
}

// repoSet groups the postgres repositories sharing one pool and timeout.
type repoSet struct {
	securities *postgres.SecuritiesRepo
	brokers    *postgres.BrokerConfigsRepo
	fallbacks  *postgres.FallbackRatesRepo
	audit      *postgres.AuditRepo
}

func newRepos(database *sqlx.DB, timeout time.Duration) repoSet {
	return repoSet{
		securities: postgres.NewSecuritiesRepo(database, timeout),
		brokers:    postgres.NewBrokerConfigsRepo(database, timeout),
		fallbacks:  postgres.NewFallbackRatesRepo(database, timeout),
		audit:      postgres.NewAuditRepo(database, timeout),
	}
}
