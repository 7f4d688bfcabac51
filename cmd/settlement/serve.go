package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"settlement/internal/config"
	settlement_http "settlement/internal/handler/http/settlement"
	kafka_handler "settlement/internal/handler/kafka"
	"settlement/internal/infrastructure/database"
	kafka_infra "settlement/internal/infrastructure/kafka"
	"settlement/internal/outbox"
	"settlement/internal/reconciler"
	counters_pg "settlement/internal/repository/counters_repo/postgres"
	inbox_pg "settlement/internal/repository/inbox_repo/postgres"
	"settlement/internal/repository/outbox_repo"
	outbox_pg "settlement/internal/repository/outbox_repo/postgres"
	payments_pg "settlement/internal/repository/payments_repo/postgres"
	webhooks_pg "settlement/internal/repository/webhooks_repo/postgres"
	"settlement/internal/webhook"
)

func serveCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement service (HTTP API, Kafka intake, monitors, expiry sweeper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply database migrations on startup")
	return cmd
}

func runServe(skipMigrations bool) error {
	cfg, appLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer appLogger.Sync()
	appLogger.Info("Settlement Service starting...", zap.String("version", Version))

	ctxMain, cancelMain := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelMain()

	dbConfig := database.DBConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
	}

	appLogger.Info("Waiting for database to be available...")
	db, err := database.ConnectWithRetry(ctxMain, dbConfig, 10, 5*time.Second, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	if !skipMigrations {
		appLogger.Info("Running database migrations...")
		if err := database.Migrate(cfg.MigrationsPath, dbConfig, appLogger); err != nil {
			return err
		}
	}

	prices, closePrices, err := newPriceFeed(ctxMain, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize price feed: %w", err)
	}
	defer closePrices()

	var outboxRepository outbox_repo.OutboxRepository
	if cfg.Kafka.Enabled {
		outboxRepository = outbox_pg.NewOutboxRepository()
	}
	paymentRepository := payments_pg.NewPaymentRepository(db, outboxRepository, cfg.Kafka.StatusTopic,
		appLogger.With(zap.String("component", "PaymentRepository")))
	counterRepository := counters_pg.NewCounterRepository(db)

	dispatcher := webhook.NewDispatcher(
		webhooks_pg.NewEndpointRepository(db),
		cfg.WebhookTimeout,
		appLogger.With(zap.String("component", "WebhookDispatcher")),
	)

	policy, err := reconciler.ParseTimeoutPolicy(cfg.Monitor.TimeoutPolicy)
	if err != nil {
		return err
	}
	rec := reconciler.New(reconciler.Dependencies{
		Store:     paymentRepository,
		Links:     counterRepository,
		Products:  counterRepository,
		Customers: counterRepository,
		Notifier:  dispatcher,
		Watchers:  newWatchers(cfg, appLogger),
	}, reconciler.Config{
		TimeoutPolicy:      policy,
		Concurrency:        cfg.Monitor.Concurrency,
		RecoveryContractID: cfg.Monitor.RecoveryContractID,
		RecoveryFunction:   cfg.Monitor.RecoveryFunction,
	}, appLogger.With(zap.String("component", "Reconciler")))
	appLogger.Info("Reconciler initialized.", zap.String("timeout_policy", string(policy)))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))
	settlement_http.RegisterRoutes(router, rec, prices, cfg.CORSAllowedOrigins, appLogger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.RunExpirySweeper(ctxMain, cfg.ExpirySweepInterval)
	}()

	var consumer *kafka_infra.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = startKafka(ctxMain, cfg, db, outboxRepository, rec, &wg, appLogger)
		if err != nil {
			cancelMain()
			return err
		}
	} else {
		appLogger.Info("Kafka disabled, confirmation intake and status publishing are off.")
	}

	select {
	case <-ctxMain.Done():
		appLogger.Info("Shutting down application...")
	case err = <-serverErr:
		appLogger.Error("Shutting down after server failure", zap.Error(err))
		cancelMain()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			appLogger.Error("Error closing confirmation consumer", zap.Error(err))
		}
	}

	if err := rec.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Monitors did not stop in time", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		appLogger.Warn("Background workers did not stop in time.")
	}

	appLogger.Info("Application gracefully shut down.")
	return err
}

// startKafka publishes the outbox to the status topic and feeds confirmation
// requests to the reconciler. Both stop when ctx is done.
func startKafka(
	ctx context.Context,
	cfg *config.Config,
	db *sql.DB,
	outboxRepository outbox_repo.OutboxRepository,
	rec *reconciler.Reconciler,
	wg *sync.WaitGroup,
	logger *zap.Logger,
) (*kafka_infra.Consumer, error) {
	brokers := cfg.GetKafkaBrokers()

	topicsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	topics := []string{cfg.Kafka.ConfirmationTopic, cfg.Kafka.StatusTopic}
	if err := kafka_infra.EnsureTopics(topicsCtx, brokers, topics, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure Kafka topics: %w", err)
	}

	producer := kafka_infra.NewProducer(brokers, logger.With(zap.String("component", "KafkaProducer")))
	processor := outbox.NewProcessor(
		database.NewTransactor(db, logger.With(zap.String("component", "Transactor"))),
		outboxRepository,
		producer,
		outbox.Config{
			DefaultTopic: cfg.Kafka.StatusTopic,
			PollInterval: cfg.OutboxPollInterval,
			PollTimeout:  cfg.OutboxPollTimeout,
		},
		logger.With(zap.String("component", "OutboxProcessor")),
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Error("Error closing Kafka producer", zap.Error(err))
			}
		}()
		processor.Start(ctx)
	}()

	handler := kafka_handler.ConfirmationMessageHandler(
		rec,
		inbox_pg.NewInboxRepository(),
		db,
		cfg.Kafka.ConsumerGroup,
		logger.With(zap.String("component", "ConfirmationHandler")),
	)
	consumer := kafka_infra.NewConsumer(brokers, cfg.Kafka.ConfirmationTopic, cfg.Kafka.ConsumerGroup, handler,
		logger.With(zap.String("component", "ConfirmationConsumer")))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Consume(ctx); err != nil {
			logger.Error("Confirmation consumer failed", zap.Error(err))
		}
		logger.Info("Confirmation consumer stopped.")
	}()

	return consumer, nil
}
