package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"bracketBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Exchange
	Exchange         string // "bybit" or "binance"
	APIKey           string
	SecretKey        string
	IsTestnet        bool
	RecvWindow       int    // milliseconds, part of the Bybit signature
	Category         string // Bybit product category
	SettleCoin       string
	HTTPTimeout      time.Duration
	OrderRetries     int
	FallbackQtyStep  decimal.Decimal // used when instrument info cannot be fetched
	FallbackMinQty   decimal.Decimal
	FallbackTickSize decimal.Decimal

	// Webhook
	WebhookPassword string
	HTTPAddr        string

	// Signal defaults
	DefaultSymbol      string
	DefaultQty         decimal.Decimal
	DefaultCallbackPct decimal.Decimal
	RiskPercent        decimal.Decimal // 0 disables risk sizing

	// Bracket policy (fractions of price)
	MaxStopLossDistance   decimal.Decimal
	MaxTakeProfitDistance decimal.Decimal
	FallbackTakeProfit    decimal.Decimal

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	ExitEpsilon       decimal.Decimal

	// Storage
	LedgerDriver    string // "sqlite", "postgres" or "csv"
	DBPath          string
	DatabaseURL     string
	CSVPath         string
	OpenTradesStore string // "none", "sqlite" or "json"
	OpenTradesPath  string

	// Notifications
	TelegramToken           string
	TelegramChatID          string
	FirebaseCredentialsFile string
	FCMTokens               []string
	NotifyQueueSize         int

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFile  string
	LogJSON  bool
}

// LoadConfig loads and validates everything the webhook server needs.
func LoadConfig() (*Config, error) {
	cfg, errs := load()

	switch cfg.Exchange {
	case "bybit", "binance":
		if cfg.APIKey == "" {
			errs = append(errs, strings.ToUpper(cfg.Exchange)+"_API_KEY must be set")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, strings.ToUpper(cfg.Exchange)+"_API_SECRET must be set")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported EXCHANGE %q (want bybit or binance)", cfg.Exchange))
	}
	if cfg.WebhookPassword == "" {
		errs = append(errs, "WEBHOOK_PASSWORD must be set")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// LoadStorageConfig loads configuration for offline tools that only touch the
// ledger and open-trade persistence. Exchange credentials are optional.
func LoadStorageConfig() (*Config, error) {
	cfg, errs := load()
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func load() (*Config, []string) {
	// Load env files, but don't fail if they don't exist (allow pure env vars)
	_ = godotenv.Load("bot.env")
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Exchange
	cfg.Exchange = strings.ToLower(getEnv("EXCHANGE", "bybit"))
	prefix := strings.ToUpper(cfg.Exchange)
	cfg.APIKey = getEnv(prefix+"_API_KEY", "")
	cfg.SecretKey = getEnv(prefix+"_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("USE_TESTNET", true) // Default to testnet for safety
	cfg.Category = getEnv("CATEGORY", "linear")
	cfg.SettleCoin = getEnv("SETTLE_COIN", "USDT")

	cfg.RecvWindow, err = getEnvAsIntRequired("RECV_WINDOW", 5000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RECV_WINDOW: %v", err))
	} else if cfg.RecvWindow <= 0 {
		errs = append(errs, "RECV_WINDOW must be positive")
	}

	cfg.OrderRetries = getEnvAsInt("ORDER_RETRIES", 2)
	if cfg.OrderRetries < 0 {
		errs = append(errs, "ORDER_RETRIES cannot be negative")
	}

	cfg.HTTPTimeout = getEnvAsDuration("HTTP_TIMEOUT", 10*time.Second, &errs)
	cfg.FallbackQtyStep = getEnvAsDecimal("QTY_STEP", "0.001", &errs)
	cfg.FallbackMinQty = getEnvAsDecimal("MIN_QTY", "0.001", &errs)
	cfg.FallbackTickSize = getEnvAsDecimal("TICK_SIZE", "0.01", &errs)

	// Webhook
	cfg.WebhookPassword = getEnv("WEBHOOK_PASSWORD", "")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":5000")

	// Signal defaults
	cfg.DefaultSymbol = strings.ToUpper(getEnv("DEFAULT_SYMBOL", "BTCUSDT"))
	cfg.DefaultQty = getEnvAsDecimal("DEFAULT_QTY", "0.01", &errs)
	if !cfg.DefaultQty.IsPositive() {
		errs = append(errs, "DEFAULT_QTY must be positive")
	}
	cfg.DefaultCallbackPct = getEnvAsDecimal("DEFAULT_CALLBACK_PCT", "0.75", &errs)
	if !cfg.DefaultCallbackPct.IsPositive() {
		errs = append(errs, "DEFAULT_CALLBACK_PCT must be positive")
	}
	cfg.RiskPercent = getEnvAsDecimal("RISK_PERCENT", "0", &errs)
	if cfg.RiskPercent.IsNegative() || cfg.RiskPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, "RISK_PERCENT must be between 0 and 100")
	}

	// Bracket policy
	cfg.MaxStopLossDistance = getEnvAsFraction("MAX_SL_DISTANCE_PCT", "0.07", &errs)
	cfg.MaxTakeProfitDistance = getEnvAsFraction("MAX_TP_DISTANCE_PCT", "0.30", &errs)
	cfg.FallbackTakeProfit = getEnvAsFraction("FALLBACK_TP_PCT", "0.02", &errs)

	// Reconciliation
	cfg.ReconcileInterval = getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second, &errs)
	cfg.ReconcileGrace = getEnvAsDuration("RECONCILE_GRACE", 60*time.Second, &errs)
	cfg.ExitEpsilon = getEnvAsFraction("EXIT_EPSILON_PCT", "0.002", &errs)

	// Storage
	cfg.LedgerDriver = strings.ToLower(getEnv("LEDGER_DRIVER", "sqlite"))
	cfg.DBPath = getEnv("DB_PATH", "trades.db")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.CSVPath = getEnv("CSV_PATH", "trades.csv")
	switch cfg.LedgerDriver {
	case "sqlite", "csv":
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL must be set for LEDGER_DRIVER=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported LEDGER_DRIVER %q", cfg.LedgerDriver))
	}

	cfg.OpenTradesStore = strings.ToLower(getEnv("OPEN_TRADES_STORE", "sqlite"))
	cfg.OpenTradesPath = getEnv("OPEN_TRADES_PATH", "open_trades.json")
	switch cfg.OpenTradesStore {
	case "none", "sqlite", "json":
	default:
		errs = append(errs, fmt.Sprintf("unsupported OPEN_TRADES_STORE %q", cfg.OpenTradesStore))
	}

	// Notifications
	cfg.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	cfg.FirebaseCredentialsFile = getEnv("FIREBASE_CREDENTIALS_FILE", "")
	cfg.FCMTokens = getEnvAsList("FCM_TOKENS")
	cfg.NotifyQueueSize = getEnvAsInt("NOTIFY_QUEUE_SIZE", 100)
	if cfg.NotifyQueueSize <= 0 {
		errs = append(errs, "NOTIFY_QUEUE_SIZE must be positive")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFile = getEnv("LOG_FILE", "")
	cfg.LogJSON = getEnvAsBool("LOG_JSON", false)

	return cfg, errs
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		*errs = append(*errs, fmt.Sprintf("invalid duration '%s' for key %s", valueStr, key))
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string, errs *[]string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid decimal value '%s' for key %s: %v", valueStr, key, err))
		return decimal.RequireFromString(defaultValue)
	}
	return value
}

// getEnvAsFraction reads a value that must lie in (0, 1).
func getEnvAsFraction(key, defaultValue string, errs *[]string) decimal.Decimal {
	value := getEnvAsDecimal(key, defaultValue, errs)
	if !value.IsPositive() || !value.LessThan(decimal.NewFromInt(1)) {
		*errs = append(*errs, fmt.Sprintf("%s must be between 0.0 and 1.0 (exclusive)", key))
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
