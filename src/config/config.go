package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port               string
	DatabasePath       string
	LogLevel           string
	AccountID          string
	FunctionalCurrency string
	ReportTimezone     string

	FlexToken             string
	FlexQueryID           string
	FlexPeriodKey         string
	FlexBaseURL           string
	FlexAPIVersion        string
	FlexInitialWait       time.Duration
	FlexRetryAttempts     int
	FlexBackoffBase       time.Duration
	FlexBackoffMax        time.Duration
	FlexJitterMin         float64
	FlexJitterMax         float64
	FlexRequestTimeout    time.Duration
	ReconciliationEnabled bool

	IngestionSchedule string // cron expression; empty disables scheduled runs

	APIDefaultLimit int
	APIMaxLimit     int
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	flexToken := getEnv("FLEX_TOKEN", "")
	if flexToken == "" {
		log.Println("WARNING: FLEX_TOKEN is not set. Ingestion triggers will fail until it is configured.")
	}
	flexQueryID := getEnv("FLEX_QUERY_ID", "")
	if flexQueryID == "" {
		log.Println("WARNING: FLEX_QUERY_ID is not set. Ingestion triggers will fail until it is configured.")
	}

	retryAttempts := getEnvAsInt("FLEX_RETRY_ATTEMPTS", 7)
	if retryAttempts < 1 {
		log.Fatalf("FATAL: FLEX_RETRY_ATTEMPTS must be >= 1, got %d", retryAttempts)
	}

	backoffBase := getEnvAsDuration("FLEX_BACKOFF_BASE", 10*time.Second)
	backoffMax := getEnvAsDuration("FLEX_BACKOFF_MAX", 60*time.Second)
	if backoffMax < backoffBase {
		log.Fatalf("FATAL: FLEX_BACKOFF_MAX (%s) must be >= FLEX_BACKOFF_BASE (%s)", backoffMax, backoffBase)
	}

	jitterMin := getEnvAsFloat("FLEX_JITTER_MIN", 0.5)
	jitterMax := getEnvAsFloat("FLEX_JITTER_MAX", 1.5)
	if jitterMin <= 0 || jitterMax <= 0 {
		log.Fatalf("FATAL: jitter multipliers must be > 0 (min=%f, max=%f)", jitterMin, jitterMax)
	}
	if jitterMax < jitterMin {
		log.Fatalf("FATAL: FLEX_JITTER_MAX (%f) must be >= FLEX_JITTER_MIN (%f)", jitterMax, jitterMin)
	}

	apiDefaultLimit := getEnvAsInt("API_DEFAULT_LIMIT", 50)
	apiMaxLimit := getEnvAsInt("API_MAX_LIMIT", 200)
	if apiMaxLimit < apiDefaultLimit {
		log.Fatalf("FATAL: API_MAX_LIMIT (%d) must be >= API_DEFAULT_LIMIT (%d)", apiMaxLimit, apiDefaultLimit)
	}

	Cfg = &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./flexledger.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		AccountID:          getEnv("ACCOUNT_ID", "DEFAULT_ACCOUNT"),
		FunctionalCurrency: getEnv("FUNCTIONAL_CURRENCY", "USD"),
		ReportTimezone:     getEnv("REPORT_TIMEZONE", "Asia/Jerusalem"),

		FlexToken:             flexToken,
		FlexQueryID:           flexQueryID,
		FlexPeriodKey:         getEnv("FLEX_PERIOD_KEY", "LastMonth"),
		FlexBaseURL:           getEnv("FLEX_BASE_URL", "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService"),
		FlexAPIVersion:        getEnv("FLEX_API_VERSION", "3"),
		FlexInitialWait:       getEnvAsDuration("FLEX_INITIAL_WAIT", 5*time.Second),
		FlexRetryAttempts:     retryAttempts,
		FlexBackoffBase:       backoffBase,
		FlexBackoffMax:        backoffMax,
		FlexJitterMin:         jitterMin,
		FlexJitterMax:         jitterMax,
		FlexRequestTimeout:    getEnvAsDuration("FLEX_REQUEST_TIMEOUT", 30*time.Second),
		ReconciliationEnabled: getEnvAsBool("RECONCILIATION_ENABLED", false),

		IngestionSchedule: getEnv("INGESTION_SCHEDULE", ""),

		APIDefaultLimit: apiDefaultLimit,
		APIMaxLimit:     apiMaxLimit,
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, AccountID=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.AccountID)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	log.Printf("Invalid float value for %s ('%s'), using default: %f", key, valueStr, fallback)
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid boolean value for %s ('%s'), using default: %t", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
