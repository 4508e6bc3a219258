package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"splitledger/internal/cli"
	apphttp "splitledger/internal/http"
	"splitledger/internal/log"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		log.Default().Error("Configuration validation failed", log.FieldError, err.Error())
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	store, ready, err := cli.OpenStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open ledger store", log.FieldError, err.Error(), "backend", cfg.LedgerBackend)
		os.Exit(1)
	}
	defer store.Close()

	oracle, err := cli.NewOracle(cfg, logger)
	if err != nil {
		logger.Error("Failed to load exchange rates", log.FieldError, err.Error(), "path", cfg.RatesFile)
		os.Exit(1)
	}

	amqpClient, err := cli.NewAMQPClient(cfg, logger)
	if err != nil {
		// Events are advisory; the ledger keeps working without them.
		logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err.Error())
		amqpClient = nil
	}
	if amqpClient != nil {
		defer amqpClient.Close()
	}

	svc := cli.NewServices(cfg, store, oracle, amqpClient, logger)
	srv := apphttp.NewServer(":"+cfg.Port, svc.Expenses, svc.Conversions, apphttp.Options{
		ReadyCheck: ready,
		Logger:     logger,
	})
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	ctx, done := cli.GracefulShutdown(context.Background(), logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err.Error())
		}
	})

	logger.Info("Starting ledger API", "port", cfg.Port, "backend", cfg.LedgerBackend,
		log.FieldOperation, log.OpStartup)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err.Error(), "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	<-done
	logger.Info("Server stopped gracefully", log.FieldOperation, log.OpShutdown)
}
