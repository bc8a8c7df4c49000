package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/corvid/backend/internal/metrics"
	"github.com/OFFIS-RIT/corvid/backend/internal/queue"
	"github.com/OFFIS-RIT/corvid/backend/internal/storage"
	"github.com/OFFIS-RIT/corvid/backend/internal/util"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger/console"
	pgstore "github.com/OFFIS-RIT/corvid/backend/pkg/store/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  util.GetEnvBool("DEBUG", false),
		JSON:   util.GetEnvBool("LOG_JSON", false),
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	if err := util.RequireEnv("DATABASE_URL", "AWS_BUCKET", "RABBITMQ_USER", "RABBITMQ_PASSWORD"); err != nil {
		logger.Fatal("Incomplete environment", "err", err)
	}

	cfg, cfgPath, err := config.Load("")
	if err != nil {
		logger.Fatal("Could not load analysis config", "err", err)
	}
	logger.Info("Analysis config loaded", "path", cfgPath, "window", cfg.Pipeline.Window)

	// Init s3 client
	s3Client, err := storage.NewS3Client(ctx)
	if err != nil {
		logger.Fatal("Could not create S3 client", "err", err)
	}

	// Init pgx client
	databaseURL := util.GetEnv("DATABASE_URL")
	if err := pgstore.Migrate(databaseURL); err != nil {
		logger.Fatal("Unable to migrate database", "err", err)
	}
	pgConn, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	// Init rabbitmq
	conn, err := queue.Init(ctx)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.AnalysisQueue}); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	m := metrics.New()
	metricsAddr := ":" + util.GetEnvString("METRICS_PORT", "9090")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "err", err)
		}
	}()

	handler := &queue.Handler{
		Repo:   pgstore.New(pgConn),
		Config: cfg,
		Locker: leaselock.New(pgConn, leaselock.Options{
			TTL:    util.GetEnvDuration("LEASE_TTL", 2*time.Minute),
			Holder: util.GetEnvString("WORKER_NAME", "worker"),
		}),
		Artifacts: storage.NewArtifactStore(s3Client, ""),
		Publisher: ch,
		Metrics:   m,
	}

	// one job at a time per worker; scale out with more workers
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.AnalysisQueue,
		queue.AnalysisQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.AnalysisQueue, "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.AnalysisQueue, "metrics", metricsAddr)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(shutdownCtx)
			cancel()
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed", "queue", queue.AnalysisQueue)
				return
			}
			process(ctx, handler, ch, msg, m)
		}
	}
}

func process(ctx context.Context, handler *queue.Handler, ch *amqp.Channel, msg amqp.Delivery, m *metrics.Metrics) {
	startTime := time.Now()
	logger.Info("Received message", "queue", queue.AnalysisQueue)

	err := handler.ProcessAnalysisMessage(ctx, msg.Body)
	if err != nil {
		logger.Error("Error processing message", "queue", queue.AnalysisQueue, "err", err)
	}
	outcome := queue.Settle(ctx, ch, msg, queue.AnalysisQueue, err)
	m.ObserveJob(outcome)

	logger.Info("Message settled", "outcome", outcome, "duration", time.Since(startTime).Round(time.Millisecond))
}
