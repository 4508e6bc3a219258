// Package cli provides the initialization shared by cmd/ledger-api,
// cmd/ledger-worker and cmd/ledgerctl.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"splitledger/internal/amqp"
	"splitledger/internal/config"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
	"splitledger/internal/rates"
	"splitledger/internal/services"
	"splitledger/internal/storage"
	"splitledger/internal/storage/memory"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the process logger from LOG_LEVEL and makes it the default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	lc := log.DefaultConfig()
	lc.Level = log.LevelFromString(cfg.LogLevel)
	lc.Component = component
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// LoadConfig loads configuration and validates it.
func LoadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Store is a ledger store that owns resources.
type Store interface {
	ledger.Store
	Close() error
}

// OpenStore opens the backend selected by LEDGER_BACKEND. The returned ready
// check is nil for backends that cannot become unreachable.
func OpenStore(cfg *config.Config, logger *log.Logger) (Store, func(context.Context) error, error) {
	switch cfg.LedgerBackend {
	case "memory":
		logger.Warn("Using in-memory ledger store, data is lost on exit")
		return memory.New(), nil, nil
	case "sqlite", "":
		s, err := storage.NewSQLiteStore(cfg.SQLiteDBPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store at %s: %w", cfg.SQLiteDBPath, err)
		}
		return s, s.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// NewOracle loads the rate table from RATES_FILE, if any, and caches lookups
// for RATES_CACHE_TTL. Without a file only explicit rates and amounts convert.
func NewOracle(cfg *config.Config, logger *log.Logger) (rates.Oracle, error) {
	var table *rates.Static
	if cfg.RatesFile == "" {
		table = rates.NewStatic()
	} else {
		var err error
		table, err = rates.LoadStatic(cfg.RatesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Exchange rates loaded", "path", cfg.RatesFile)
	}
	if cfg.RatesCacheTTL <= 0 {
		return table, nil
	}
	return rates.NewCached(table, cfg.RatesCacheTTL, logger), nil
}

// NewAMQPClient connects to AMQP_URL. It returns nil without error when AMQP
// is not configured.
func NewAMQPClient(cfg *config.Config, logger *log.Logger) (*amqp.Client, error) {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP disabled, ledger events will not be published")
		return nil, nil
	}
	c, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	return c, nil
}

// Services bundles the service layer built on one store.
type Services struct {
	Ledger      *ledger.Ledger
	Expenses    *services.ExpenseService
	Conversions *services.ConversionService
	Imports     *services.ImportService
}

// NewServices wires the ledger and its services. client may be nil.
func NewServices(cfg *config.Config, store ledger.Store, oracle rates.Oracle, client *amqp.Client, logger *log.Logger) *Services {
	l := ledger.New(store,
		ledger.WithLogger(logger),
		ledger.WithRecalcConcurrency(cfg.RecalcConcurrency))

	policy := services.DefaultRetryPolicy()
	policy.Attempts = cfg.RetryAttempts
	policy.BaseDelay = cfg.RetryBaseDelay

	// A nil *amqp.Client must not become a non-nil interface value.
	var publisher services.EventPublisher
	if client != nil {
		publisher = client
	}

	expenses := services.NewExpenseService(l, publisher, policy, logger)
	return &Services{
		Ledger:      l,
		Expenses:    expenses,
		Conversions: services.NewConversionService(expenses, oracle),
		Imports:     services.NewImportService(expenses),
	}
}

// GracefulShutdown returns a context cancelled on SIGINT, SIGTERM or when
// parent is done. The cleanup function runs with a context bounded by
// timeout before the returned done channel closes.
func GracefulShutdown(parent context.Context, logger *log.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
		case <-parent.Done():
			logger.Info("Context cancelled")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		cancel()
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}
