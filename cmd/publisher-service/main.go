package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/publisher/pkg/channel"
	"github.com/synaptica-ai/publisher/pkg/common/config"
	"github.com/synaptica-ai/publisher/pkg/common/database"
	"github.com/synaptica-ai/publisher/pkg/common/kafka"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/gateway"
	"github.com/synaptica-ai/publisher/pkg/gateway/auth"
	"github.com/synaptica-ai/publisher/pkg/gateway/httpclient"
	"github.com/synaptica-ai/publisher/pkg/gateway/middleware"
	"github.com/synaptica-ai/publisher/pkg/media"
	"github.com/synaptica-ai/publisher/pkg/notify"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
	"github.com/synaptica-ai/publisher/pkg/permissions"
	"github.com/synaptica-ai/publisher/pkg/publication"
	"github.com/synaptica-ai/publisher/pkg/queue"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()
	rdb := database.GetRedis(cfg)
	defer database.CloseRedis()

	repo := publication.NewRepository(db)
	resolver := media.NewResolver(db, cfg.MediaRoot, cfg.MediaPublicBaseURL)
	members := permissions.NewRepository(db)
	notifications := notify.NewRepository(db)
	for name, migrate := range map[string]func() error{
		"publication":  repo.AutoMigrate,
		"media":        resolver.AutoMigrate,
		"permissions":  members.AutoMigrate,
		"notification": notifications.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("tables", name).Fatal("failed to migrate tables")
		}
	}

	catalog := channel.DefaultPlatforms()
	if cfg.PlatformCatalogPath != "" {
		catalog, err = channel.LoadPlatforms(cfg.PlatformCatalogPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load platform catalog")
		}
	}

	client := gateway.NewClient(gateway.Options{
		BaseURL:       cfg.GatewayBaseURL,
		HeaderTimeout: cfg.GatewayHeaderTimeout,
		BodyTimeout:   cfg.GatewayBodyTimeout,
		Retry: httpclient.Backoff{
			Attempts:  cfg.GatewayRetryAttempts,
			BaseDelay: cfg.GatewayRetryBaseDelay,
			MaxDelay:  cfg.GatewayRetryMaxDelay,
		},
		RateLimitRPS:      cfg.GatewayRateLimitRPS,
		OAuthTokenURL:     cfg.GatewayOAuthTokenURL,
		OAuthClientID:     cfg.GatewayOAuthClientID,
		OAuthClientSecret: cfg.GatewayOAuthSecret,
	})

	// Notifications go through Kafka when brokers are configured, otherwise
	// straight into the notifications table.
	var sender notify.Sender = notifications
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic)
		defer producer.Close()
		sender = notify.NewKafkaSender(producer, "publisher-service")
	}

	jobs := queue.New(rdb, cfg.QueuePrefix, cfg.QueueName, cfg.QueueVisibilityTimeout)
	engine := publication.NewEngine(repo, channel.NewValidator(catalog), resolver, client)
	aggregator := publication.NewAggregator(repo, sender)
	coordinator := publication.NewCoordinator(repo, engine, aggregator, jobs, queue.JobOptions{
		Attempts: cfg.QueueMaxAttempts,
		Backoff:  cfg.QueueBackoff,
	})
	scheduler := publication.NewScheduler(repo, coordinator, aggregator, publication.SchedulerOptions{
		Interval:   cfg.SchedulerInterval,
		Window:     cfg.SchedulerWindow,
		StaleAfter: cfg.SchedulerStaleAfter,
	})

	authenticate := middleware.TrustUserHeader
	switch {
	case cfg.JWTSecret != "":
		jwtManager, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid jwt configuration")
		}
		authenticate = middleware.Authenticate(jwtManager)
	case cfg.AuthDisabled:
		logger.Log.Warn("AUTH_DISABLED=true: requests are NOT authenticated, X-User-ID is trusted as-is")
	default:
		logger.Log.Fatal("JWT_SECRET is required unless AUTH_DISABLED=true")
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.PingPostgres(ctx, db); err != nil {
			http.Error(w, `{"status":"postgres unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, `{"status":"redis unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if coordinator.Draining() {
			http.Error(w, `{"status":"draining"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		counts, err := jobs.Counts(r.Context())
		if err != nil {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"waiting":%d,"active":%d,"delayed":%d,"failed":%d}`, counts.Waiting, counts.Active, counts.Delayed, counts.Failed)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		middleware.CORS,
		middleware.BodyLimit(cfg.MaxRequestBody),
		authenticate,
		middleware.RateLimit(50, 100),
	)
	publication.NewHandler(repo, coordinator, engine, aggregator, members).Register(api)
	notify.NewHandler(notifications).Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background work outlives the signal so the shutdown sequence below
	// controls its order.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.WithField("addr", address).Info("Publisher service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.WorkerEnabled {
		worker := queue.NewWorker(jobs, coordinator.HandleJob, queue.WorkerOptions{
			Concurrency:  cfg.QueueWorkers,
			PollInterval: cfg.QueuePollInterval,
		})
		g.Go(func() error {
			return worker.Run(runCtx)
		})
	}
	if cfg.SchedulerEnabled {
		scheduler.Start(runCtx)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down publisher service...")

		// Order matters: stop new fan-outs, let the running tick finish, then
		// stop taking jobs and finally close the listener.
		coordinator.Drain()
		scheduler.Stop()
		stopRun()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Error("Publisher service forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.WithError(err).Error("Publisher service stopped with error")
		os.Exit(1)
	}
	logger.Log.Info("Publisher service stopped")
}
