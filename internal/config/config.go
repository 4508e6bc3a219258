package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Storage
	LedgerBackend string
	SQLiteDBPath  string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Logging
	LogLevel string

	// Ledger
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RecalcConcurrency int
	RecalcInterval    time.Duration

	// Exchange rates
	RatesFile     string
	RatesCacheTTL time.Duration

	// Google Sheets balance export
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountFile string
	GoogleServiceAccountJSON string
}

func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8081"),

		LedgerBackend: getEnv("LEDGER_BACKEND", "sqlite"),
		SQLiteDBPath:  getEnv("SQLITE_DB_PATH", "./data/ledger.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledger"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_recalculate"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		RetryAttempts:     getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:    getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
		RecalcConcurrency: getEnvInt("RECALC_CONCURRENCY", 4),
		RecalcInterval:    getEnvDuration("RECALC_INTERVAL", time.Hour),

		RatesFile:     getEnv("RATES_FILE", ""),
		RatesCacheTTL: getEnvDuration("RATES_CACHE_TTL", 15*time.Minute),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Balances"),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate ledger backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.LedgerBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid ledger backend '%s': must be one of %v", c.LedgerBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.LedgerBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}

	// Validate ledger tuning
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		errors = append(errors, fmt.Sprintf("invalid retry attempts %d: must be between 1 and 10", c.RetryAttempts))
	}
	if c.RetryBaseDelay < time.Millisecond || c.RetryBaseDelay > 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid retry base delay %v: must be between 1ms and 10s", c.RetryBaseDelay))
	}
	if c.RecalcConcurrency < 1 || c.RecalcConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid recalc concurrency %d: must be between 1 and 64", c.RecalcConcurrency))
	}
	if c.RecalcInterval != 0 && c.RecalcInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid recalc interval %v: must be 0 or at least 1 minute", c.RecalcInterval))
	}

	// Validate rates configuration
	if c.RatesFile != "" {
		if _, err := os.Stat(c.RatesFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("rates file does not exist: %s", c.RatesFile))
		}
	}
	if c.RatesCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid rates cache TTL %v: must not be negative", c.RatesCacheTTL))
	}

	// Validate Google Sheets configuration if export is enabled
	if c.GoogleSpreadsheetID != "" {
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when GOOGLE_SPREADSHEET_ID is set")
		}
		if c.GoogleServiceAccountFile == "" && c.GoogleServiceAccountJSON == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON must be provided for sheets export")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// SheetsExportEnabled reports whether balances can be exported to Google Sheets.
func (c *Config) SheetsExportEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// GoogleCredentials returns the service account JSON, reading the file when
// no inline JSON is configured.
func (c *Config) GoogleCredentials() ([]byte, error) {
	if c.GoogleServiceAccountJSON != "" {
		return []byte(c.GoogleServiceAccountJSON), nil
	}
	if c.GoogleServiceAccountFile == "" {
		return nil, fmt.Errorf("no Google service account configured")
	}
	b, err := os.ReadFile(c.GoogleServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return b, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
