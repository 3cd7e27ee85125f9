package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"vad-mining-backend/internal/config"
	"vad-mining-backend/internal/handlers"
	"vad-mining-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)

	redisStore, err := services.NewRedisStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisStore.Close()

	var store services.Store = redisStore
	if cfg.StoreDriver == config.StoreDriverPostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pgStore, err := services.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err == nil {
			err = pgStore.EnsureSchema(ctx)
		}
		cancel()
		if err != nil {
			logger.Fatalf("Failed to set up Postgres store: %v", err)
		}
		defer pgStore.Close()

		store = pgStore
	}
	logger.WithField("driver", cfg.StoreDriver).Info("ledger store ready")

	wsHandler := handlers.NewWebSocketHandler(cfg.WSPushInterval)
	defer wsHandler.Close()

	broadcasters := services.Broadcasters{wsHandler}
	if cfg.RabbitMQURL != "" {
		producer, err := services.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, ledger events will not be published")
			broadcasters = append(broadcasters, services.NopBroadcaster{Logger: logger})
		} else {
			defer producer.Close()
			broadcasters = append(broadcasters, producer)
		}
	}

	ledger := services.NewLedgerService(store, services.LedgerOptions{
		MaxRetries:    cfg.ClaimMaxRetries,
		RetryInterval: cfg.ClaimRetryInterval,
		Broadcaster:   broadcasters,
		Logger:        logger,
	})
	wsHandler.SetLedger(ledger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Ledger:      ledger,
		JWT:         services.NewJWTService(cfg),
		RateLimiter: redisStore,
		Health:      store,
		WebSocket:   wsHandler,
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}

	logger.Info("Server gracefully stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.StandardLogger()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}
