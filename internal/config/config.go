package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string

	// Sync tuning knobs. Timeouts apply per network call, not per run.
	SyncIntervalSeconds   int
	SyncPageSize          int
	SyncMaxAttempts       int
	SyncBackoffMillis     int
	ConnectTimeoutSeconds int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),

		SyncIntervalSeconds:   getEnvIntOrDefault("MAILSYNC_SYNC_INTERVAL_SECONDS", 300),
		SyncPageSize:          getEnvIntOrDefault("MAILSYNC_SYNC_PAGE_SIZE", 50),
		SyncMaxAttempts:       getEnvIntOrDefault("MAILSYNC_SYNC_MAX_ATTEMPTS", 3),
		SyncBackoffMillis:     getEnvIntOrDefault("MAILSYNC_SYNC_BACKOFF_MILLIS", 500),
		ConnectTimeoutSeconds: getEnvIntOrDefault("MAILSYNC_CONNECT_TIMEOUT_SECONDS", 10),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.SyncPageSize <= 0 {
		return fmt.Errorf("MAILSYNC_SYNC_PAGE_SIZE must be positive")
	}

	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("MAILSYNC_SYNC_MAX_ATTEMPTS must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: %s is not a valid integer, using default %d\n", key, defaultValue)
		return defaultValue
	}

	return parsed
}
