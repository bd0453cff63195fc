// Package main is the entrypoint for the NukeMyMac license server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nukemymac/nukemymac-server/internal/api"
	"github.com/nukemymac/nukemymac-server/internal/api/handlers"
	"github.com/nukemymac/nukemymac-server/internal/config"
	"github.com/nukemymac/nukemymac-server/internal/db"
	"github.com/nukemymac/nukemymac-server/internal/feedback"
	"github.com/nukemymac/nukemymac-server/internal/license"
	"github.com/nukemymac/nukemymac-server/internal/maintenance"
	"github.com/nukemymac/nukemymac-server/internal/metrics"
	"github.com/nukemymac/nukemymac-server/internal/notifications"
	"github.com/nukemymac/nukemymac-server/internal/payments"
	"github.com/nukemymac/nukemymac-server/internal/releases"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file (or set CONFIG_FILE)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	logger := newLogger(cfg)
	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("env", string(cfg.Environment)).
		Msg("Starting NukeMyMac server")

	// Connect to the license store
	database, closeStore, err := db.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open license store")
		return 1
	}
	defer closeStore()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Optional Redis for shared rate limits
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return 1
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		logger.Info().Str("addr", opts.Addr).Msg("Using Redis for rate limiting")
	}

	// Outbound email
	licenseOpts := []license.Option{license.WithRecorder(promMetrics)}
	var contactNotifier feedback.Notifier
	var dispatcher *notifications.Dispatcher

	if cfg.EmailEnabled() {
		smtpCfg := notifications.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			TLS:      cfg.SMTP.TLS,
		}
		if cfg.SMTP.Host == "" {
			smtpCfg = notifications.ResendSMTPConfig(cfg.ResendAPIKey, cfg.SMTP.From)
		}

		mailer, err := notifications.NewMailer(smtpCfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to configure mailer")
			return 1
		}
		renderer, err := notifications.NewRenderer()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load email templates")
			return 1
		}

		dispatcher = notifications.NewDispatcher(mailer, notifications.DefaultDispatcherConfig(), promMetrics, logger)
		dispatcher.Start()

		licenseOpts = append(licenseOpts, license.WithNotifier(notifications.NewLicenseNotifier(dispatcher, renderer)))
		if cfg.ContactRecipient != "" {
			contactNotifier = notifications.NewContactNotifier(dispatcher, renderer, cfg.ContactRecipient)
		} else {
			logger.Warn().Msg("CONTACT_RECIPIENT not set, contact submissions are stored only")
		}
	} else {
		logger.Warn().Msg("Email not configured, license keys will not be emailed")
	}

	// Domain services
	licenses := license.NewService(database, cfg.LicensePolicy(), logger, licenseOpts...)

	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, all webhook deliveries will be rejected")
	}
	intake := payments.NewIntake(licenses, cfg.Stripe.WebhookSecret, payments.DefaultRetryPolicy(), promMetrics, logger)

	var checkout handlers.CheckoutCreator
	if cfg.Stripe.SecretKey != "" {
		checkout = payments.NewCheckout(payments.CheckoutConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			PriceYearly:   cfg.Stripe.PriceYearly,
			PriceLifetime: cfg.Stripe.PriceLifetime,
			Domain:        cfg.PublicDomain,
		}, nil, logger)
	}

	releaseCfg := releases.DefaultConfig()
	releaseCfg.Repo = cfg.Releases.Repo
	releaseCfg.CacheTTL = cfg.Releases.CacheTTL
	releaseCache := releases.NewCache(releaseCfg, logger, releases.WithRecorder(promMetrics))

	// Build API router
	routerCfg := api.Config{
		AllowedOrigins:    cfg.CORS.Origins,
		RateLimitRequests: cfg.RateLimit.Requests,
		RateLimitPeriod:   cfg.RateLimit.Period,
		Redis:             redisClient,
		AdminTokenHash:    cfg.AdminTokenHash,
		Version:           Version,
		Commit:            Commit,
		BuildDate:         BuildDate,
	}
	router, err := api.NewRouter(routerCfg, api.Deps{
		Database: database,
		Licenses: licenses,
		Checkout: checkout,
		Webhooks: intake,
		Feedback: feedback.NewService(database, contactNotifier, logger),
		Releases: releaseCache,
		Metrics:  promMetrics,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	// Start expiry sweep
	sweeper := maintenance.NewExpiryScheduler(licenses, cfg.License.SweepSchedule, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start expiry scheduler")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)

		// Let an in-flight sweep finish before the store closes.
		select {
		case <-sweeper.Stop().Done():
		case <-shutdownCtx.Done():
		}

		if dispatcher != nil {
			if derr := dispatcher.Stop(shutdownCtx); derr != nil {
				logger.Warn().Err(derr).Msg("Email queue not fully drained")
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("version", Version).Logger()
	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
