// Package main is the entry point for the Porter Dispatch API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/porterhq/dispatch/internal/config"
	"github.com/porterhq/dispatch/internal/consumer"
	"github.com/porterhq/dispatch/internal/database"
	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/handler"
	"github.com/porterhq/dispatch/internal/hotstate"
	"github.com/porterhq/dispatch/internal/middleware"
	"github.com/porterhq/dispatch/internal/pkg/response"
	"github.com/porterhq/dispatch/internal/repository"
	"github.com/porterhq/dispatch/internal/scheduler"
	"github.com/porterhq/dispatch/internal/service"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Porter Dispatch API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Connect to the event bus
	producer, err := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.Topic)
	if err != nil {
		log.Fatalf("Failed to create event producer: %v", err)
	}
	defer producer.Close()
	logger.Info("Connected to event bus", slog.Any("brokers", cfg.Kafka.Brokers))

	// Durable repositories
	porterRepo := repository.NewPorterRepository(db.Pool())
	offerRepo := repository.NewOfferRepository(db.Pool())
	earningRepo := repository.NewEarningRepository(db.Pool())
	locationRepo := repository.NewLocationRepository(db.Pool())
	sessionRepo := repository.NewSessionRepository(db.Pool())
	idempotencyRepo := repository.NewIdempotencyRepository(db.Pool())

	// Hot-state stores
	availabilityStore := hotstate.NewAvailabilityStore(redis)
	locationStore := hotstate.NewLocationStore(redis)
	sessionStore := hotstate.NewSessionStore(redis)
	locationLimiter := hotstate.NewRateLimiter(redis, "ratelimit:location:", cfg.Dispatch.LocationUpdateRatePerSecond)

	// Services
	idempotencySvc := service.NewIdempotencyService(idempotencyRepo, cfg.Dispatch.IdempotencyRecordTTL, logger)
	porterSvc := service.NewPorterService(
		porterRepo, sessionRepo, sessionStore, availabilityStore, locationStore,
		producer, cfg.Dispatch.ProfileCacheTTL, logger,
	)
	availabilitySvc := service.NewAvailabilityService(
		availabilityStore, locationStore, porterSvc, producer,
		cfg.Dispatch.AvailabilityStateTTL, logger,
	)
	locationSvc := service.NewLocationService(
		locationStore, availabilityStore, locationRepo, porterRepo,
		locationLimiter, producer,
		service.LocationConfig{
			LastLocationTTL:   cfg.Dispatch.AvailabilityStateTTL,
			SnapshotInterval:  cfg.Dispatch.LocationSnapshotInterval,
			RetentionDays:     cfg.Dispatch.LocationHistoryRetentionDays,
			RateLimitFailOpen: cfg.Dispatch.RateLimitFailOpen,
		},
		logger,
	)
	offerSvc := service.NewOfferService(
		offerRepo, porterSvc, idempotencySvc, producer,
		service.OfferConfig{
			OfferTimeout:        cfg.Dispatch.OfferTimeout,
			MaxConcurrentOffers: cfg.Dispatch.MaxConcurrentOffersPerPorter,
		},
		logger,
	)
	earningsSvc := service.NewEarningsService(earningRepo, idempotencySvc, logger)

	// Event consumer for upstream order and payment events
	handlers := consumer.NewHandlers(offerRepo, porterRepo, earningsSvc, offerSvc, logger)
	eventConsumer, err := consumer.New(
		cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.ConsumeTopics,
		handlers, logger,
	)
	if err != nil {
		log.Fatalf("Failed to create event consumer: %v", err)
	}
	eventConsumer.Start()

	// Background jobs, leased through Redis so one instance runs each
	sched := scheduler.New(redis, logger)
	sched.Register(scheduler.Every("expire-offers", 10*time.Second, func(ctx context.Context) error {
		_, err := offerSvc.ExpireOffers(ctx)
		return err
	}))
	sched.Register(scheduler.Every("purge-idempotency", time.Hour, func(ctx context.Context) error {
		_, err := idempotencySvc.PurgeExpired(ctx)
		return err
	}))
	sched.Register(scheduler.DailyAt("cleanup-location-history", 2, 0, func(ctx context.Context) error {
		_, err := locationSvc.CleanupOldHistory(ctx)
		return err
	}))
	sched.Start()

	// HTTP handlers
	porterHandler := handler.NewPorterHandler(porterSvc)
	availabilityHandler := handler.NewAvailabilityHandler(availabilitySvc, porterSvc)
	locationHandler := handler.NewLocationHandler(locationSvc, porterSvc)
	offerHandler := handler.NewOfferHandler(offerSvc, porterSvc)
	earningsHandler := handler.NewEarningsHandler(earningsSvc, porterSvc)

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Correlation())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Health check endpoints (no auth required)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis, producer))
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "Porter Dispatch API",
				"version": "1.0.0",
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Principal())

			r.Mount("/porters", porterHandler.Routes())
			r.Mount("/availability", availabilityHandler.Routes())
			r.Mount("/locations", locationHandler.Routes())
			r.Mount("/offers", offerHandler.Routes())
			r.Mount("/earnings", earningsHandler.Routes())
		})
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Stop taking new work, then drain in-flight work
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	eventConsumer.Stop()

	logger.Info("Server stopped gracefully")
}

// healthHandler returns a liveness check that succeeds while the process runs.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler returns a readiness check that verifies the database, Redis,
// and event bus connections.
func readyHandler(db *database.Postgres, redis *database.Redis, producer *events.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := redis.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}
		if err := producer.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"event_bus"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected","event_bus":"connected"}`))
	}
}
