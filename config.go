package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"bulk-order-service/database"
	aws_pkg "bulk-order-service/pkg/aws"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the bulk order service.
type Config struct {
	Env            string
	Port           string
	AllowedOrigins string
	JWTSecret      string
	RequestTimeout time.Duration

	Database         database.Config
	RedisURL         string
	RateLimitBackend string

	// Ingress
	UploadRateLimit      int
	UploadRateWindow     time.Duration
	AlertRateLimitAbuse  int
	GlobalRatePerSecond  float64
	GlobalRateBurst      int
	MaxUploadBytes       int64
	PolicyFile           string
	AllowPartialRows     bool
	MaxRowsPerBatch      int
	MalwareScanURL       string
	MalwareScanAPIKey    string
	MalwareScanTimeout   time.Duration
	ProductServiceURL    string
	InventoryServiceURL  string
	ServiceToken         string
	CommerceCallTimeout  time.Duration
	MaxConcurrentWorkers int
	BatchSize            int
	CartTTL              time.Duration
	RollbackWindow       time.Duration

	// Observability and alerting
	AuditKafkaBrokers []string
	AuditKafkaTopic   string
	AlertSNSTopicARN  string
	QuarantineBucket  string
	MetricsEnabled    bool
	MetricsNamespace  string
	CloudWatchLogs    string
}

// LoadConfig reads configuration from the environment (and .env when present) with optional
// Secrets Manager override.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8095"),
		AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		Database: database.Config{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       os.Getenv("POSTGRES_HOST"),
			Port:       getEnv("POSTGRES_PORT", "5432"),
			User:       os.Getenv("POSTGRES_USER"),
			Password:   os.Getenv("POSTGRES_PASSWORD"),
			Name:       os.Getenv("POSTGRES_DB"),
			SSLMode:    getEnv("POSTGRES_SSLMODE", "disable"),
			TimeZone:   getEnv("POSTGRES_TIMEZONE", "UTC"),
			SQLitePath: getEnv("SQLITE_PATH", "bulk_orders.db"),
		},
		RedisURL:         os.Getenv("REDIS_URL"),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "redis"),

		UploadRateLimit:      getEnvInt("UPLOAD_RATE_LIMIT", 10),
		UploadRateWindow:     getEnvDuration("UPLOAD_RATE_WINDOW", time.Minute),
		AlertRateLimitAbuse:  getEnvInt("ALERT_RATE_LIMIT_THRESHOLD", 5),
		GlobalRatePerSecond:  getEnvFloat("GLOBAL_RATE_PER_SECOND", 10),
		GlobalRateBurst:      getEnvInt("GLOBAL_RATE_BURST", 20),
		MaxUploadBytes:       int64(getEnvInt("MAX_UPLOAD_BYTES", 5<<20)),
		PolicyFile:           os.Getenv("POLICY_FILE"),
		AllowPartialRows:     getEnv("ALLOW_PARTIAL_ROWS", "false") == "true",
		MaxRowsPerBatch:      getEnvInt("MAX_ROWS_PER_BATCH", 1000),
		MalwareScanURL:       os.Getenv("MALWARE_SCAN_URL"),
		MalwareScanAPIKey:    os.Getenv("MALWARE_SCAN_API_KEY"),
		MalwareScanTimeout:   getEnvDuration("MALWARE_SCAN_TIMEOUT", 30*time.Second),
		ProductServiceURL:    getEnv("PRODUCT_SERVICE_URL", "http://product-service:8082"),
		InventoryServiceURL:  getEnv("INVENTORY_SERVICE_URL", "http://inventory-service:8084"),
		ServiceToken:         os.Getenv("SERVICE_TOKEN"),
		CommerceCallTimeout:  getEnvDuration("COMMERCE_CALL_TIMEOUT", 10*time.Second),
		MaxConcurrentWorkers: getEnvInt("BULK_MAX_CONCURRENT", 5),
		BatchSize:            getEnvInt("BULK_BATCH_SIZE", 25),
		CartTTL:              getEnvDuration("CART_TTL", 7*24*time.Hour),
		RollbackWindow:       getEnvDuration("ROLLBACK_WINDOW", 24*time.Hour),

		AuditKafkaTopic:  getEnv("AUDIT_KAFKA_TOPIC", "bulk-order-audit"),
		AlertSNSTopicARN: os.Getenv("ALERT_SNS_TOPIC_ARN"),
		QuarantineBucket: os.Getenv("QUARANTINE_BUCKET"),
		MetricsEnabled:   getEnv("METRICS_ENABLED", "false") == "true",
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "ShopSwift/BulkOrders"),
		CloudWatchLogs:   os.Getenv("CLOUDWATCH_LOG_GROUP"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.AuditKafkaBrokers = append(cfg.AuditKafkaBrokers, b)
			}
		}
	}

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if err := cfg.applySecrets(context.Background()); err != nil {
			log.Printf("Secrets Manager override incomplete: %v", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type dbCredentials struct {
	User     string `json:"POSTGRES_USER"`
	Password string `json:"POSTGRES_PASSWORD"`
	Name     string `json:"POSTGRES_DB"`
	Host     string `json:"POSTGRES_HOST"`
	Port     string `json:"POSTGRES_PORT"`
}

// applySecrets overrides credentials with values from Secrets Manager under "bulk-orders/".
func (c *Config) applySecrets(ctx context.Context) error {
	awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
	if err != nil {
		return err
	}
	sm := aws_pkg.NewSecretsClient(awsCfg, "bulk-orders/")

	var creds dbCredentials
	dbErr := sm.LookupJSON(ctx, "DB_CREDENTIALS", &creds)
	if dbErr == nil {
		for dst, v := range map[*string]string{
			&c.Database.User:     creds.User,
			&c.Database.Password: creds.Password,
			&c.Database.Name:     creds.Name,
			&c.Database.Host:     creds.Host,
			&c.Database.Port:     creds.Port,
		} {
			if v != "" {
				*dst = v
			}
		}
	}

	return errors.Join(dbErr, sm.Apply(ctx, map[string]*string{
		"JWT_SECRET":           &c.JWTSecret,
		"MALWARE_SCAN_API_KEY": &c.MalwareScanAPIKey,
		"SERVICE_TOKEN":        &c.ServiceToken,
	}))
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Database.Driver != "sqlite" {
		if c.Database.User == "" || c.Database.Password == "" || c.Database.Name == "" || c.Database.Host == "" {
			return fmt.Errorf("database config incomplete")
		}
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.RateLimitBackend != "redis" && c.RateLimitBackend != "memory" {
		return fmt.Errorf("RATE_LIMIT_BACKEND must be redis or memory")
	}
	if c.UploadRateLimit <= 0 || c.UploadRateWindow <= 0 {
		return fmt.Errorf("upload rate limit must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RollbackWindow <= 0 {
		return fmt.Errorf("ROLLBACK_WINDOW must be positive")
	}
	if c.MaxConcurrentWorkers <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("bulk worker settings must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
