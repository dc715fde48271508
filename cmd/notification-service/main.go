package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/publisher/pkg/common/config"
	"github.com/synaptica-ai/publisher/pkg/common/database"
	"github.com/synaptica-ai/publisher/pkg/common/kafka"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/gateway/auth"
	"github.com/synaptica-ai/publisher/pkg/gateway/middleware"
	"github.com/synaptica-ai/publisher/pkg/notify"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	repo := notify.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate notification tables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.NotificationTopic, cfg.NotificationGroupID)
		defer consumer.Close()
		go func() {
			logger.Log.WithField("topic", cfg.NotificationTopic).Info("Consuming notification events")
			if err := consumer.Consume(ctx, repo.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("notification consumer stopped")
			}
		}()
	} else {
		logger.Log.Warn("KAFKA_BROKERS not set, serving stored notifications only")
	}

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
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.CORS, authenticate)
	notify.NewHandler(repo).Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.NotificationPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Notification service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start notification service")
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down notification service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Notification service forced to shutdown")
	}
	logger.Log.Info("Notification service stopped")
}
