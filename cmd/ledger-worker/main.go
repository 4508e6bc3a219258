package main

import (
	"context"
	"errors"
	"os"
	"time"

	"splitledger/internal/cli"
	"splitledger/internal/log"
	"splitledger/internal/services"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		log.Default().Error("Configuration validation failed", log.FieldError, err.Error())
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting ledger worker", log.FieldOperation, log.OpStartup)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required by the worker")
		os.Exit(1)
	}

	store, _, err := cli.OpenStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open ledger store", log.FieldError, err.Error(), "backend", cfg.LedgerBackend)
		os.Exit(1)
	}
	defer store.Close()

	oracle, err := cli.NewOracle(cfg, logger)
	if err != nil {
		logger.Error("Failed to load exchange rates", log.FieldError, err.Error())
		os.Exit(1)
	}

	amqpClient, err := cli.NewAMQPClient(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err.Error())
		os.Exit(1)
	}
	defer amqpClient.Close()

	svc := cli.NewServices(cfg, store, oracle, amqpClient, logger)

	pcfg := services.DefaultRecalcProcessorConfig()
	pcfg.FullInterval = cfg.RecalcInterval
	processor := services.NewRecalcProcessor(svc.Expenses, pcfg)

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, done := cli.GracefulShutdown(parent, logger, 30*time.Second, func(ctx context.Context) {
		if err := processor.Stop(ctx); err != nil {
			logger.Error("Failed to stop recalculation processor", log.FieldError, err.Error())
		}
	})

	if err := processor.Start(ctx); err != nil {
		logger.Error("Failed to start recalculation processor", log.FieldError, err.Error())
		os.Exit(1)
	}
	// Heal any drift left by a previous run.
	processor.EnqueueAll()

	go func() {
		err := amqpClient.ConsumeRecalculateRequests(ctx, processor.HandleRecalculateRequest)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", log.FieldError, err.Error())
		}
		cancel()
	}()

	<-ctx.Done()
	<-done
	logger.Info("Ledger worker stopped", log.FieldOperation, log.OpShutdown)
}
