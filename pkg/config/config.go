// Package config loads service configuration from the environment.
// Committee pool composition and weights live in a separate YAML artifact
// written by the offline calibration run; the workflow path never mutates
// configuration at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full service configuration.
type Config struct {
	// Ingress
	IngressPort   string
	JWTSecret     string
	RedisAddr     string
	RateLimitRPS  float64
	RateLimitCap  float64

	// Workflow
	TaskQueue            string
	ActivityWorkers      int
	ApprovalRetention    time.Duration // sweeper cancels AwaitingApproval older than this
	WriterRecoveryPeriod time.Duration

	// Committee
	CommitteeConfigFile      string
	CommitteeSize            int
	CommitteeMinSuccessful   int
	CommitteeTimeout         time.Duration
	CommitteeCeiling         time.Duration
	ConsensusThreshold       float64
	ConfidenceThreshold      float64 // auto-accept on unanimous
	MajorityAcceptThreshold  float64 // auto-accept on majority
	MajorityMargin           float64
	MinProviderWeight        float64
	AcceptPolicyExpression   string // optional CEL expression; empty = threshold pair

	// Retention
	RetentionDays int

	// External catalog (accounting API)
	CatalogBaseURL      string
	CatalogTokenURL     string
	CatalogClientID     string
	CatalogClientSecret string
	CatalogRefreshToken string
	CatalogRPS          float64

	// Stores
	DatabaseURL    string // postgres; empty = embedded sqlite
	SQLitePath     string
	BlobPrefix     string

	// Observability
	LogLevel     string
	OTLPEndpoint string
	OTelEnabled  bool
}

// Load reads configuration from environment variables with safe defaults.
// Retention below the mandated five years is rejected.
func Load() (*Config, error) {
	cfg := &Config{
		IngressPort:  getenv("INGRESS_PORT", "8080"),
		JWTSecret:    os.Getenv("INGRESS_JWT_SECRET"),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		RateLimitRPS: getfloat("INGRESS_RATE_RPS", 10),
		RateLimitCap: getfloat("INGRESS_RATE_BURST", 30),

		TaskQueue:            getenv("WORKFLOW_TASK_QUEUE", "order-cases"),
		ActivityWorkers:      getint("WORKFLOW_ACTIVITY_WORKERS", 16),
		ApprovalRetention:    getduration("APPROVAL_RETENTION", 30*24*time.Hour),
		WriterRecoveryPeriod: getduration("WRITER_RECOVERY_PERIOD", time.Hour),

		CommitteeConfigFile:     getenv("COMMITTEE_CONFIG_FILE", "committee.yaml"),
		CommitteeSize:           getint("COMMITTEE_SIZE", 3),
		CommitteeMinSuccessful:  getint("COMMITTEE_MIN_SUCCESSFUL", 2),
		CommitteeTimeout:        getduration("COMMITTEE_TIMEOUT", 30*time.Second),
		CommitteeCeiling:        getduration("COMMITTEE_CEILING", 45*time.Second),
		ConsensusThreshold:      getfloat("COMMITTEE_CONSENSUS_THRESHOLD", 0.66),
		ConfidenceThreshold:     getfloat("COMMITTEE_CONFIDENCE_THRESHOLD", 0.75),
		MajorityAcceptThreshold: getfloat("COMMITTEE_MAJORITY_ACCEPT", 0.85),
		MajorityMargin:          getfloat("COMMITTEE_MAJORITY_MARGIN", 0.25),
		MinProviderWeight:       getfloat("COMMITTEE_MIN_WEIGHT", 0.1),
		AcceptPolicyExpression:  os.Getenv("COMMITTEE_ACCEPT_POLICY"),

		RetentionDays: getint("RETENTION_DAYS", 1825),

		CatalogBaseURL:      getenv("EXTERNAL_CATALOG_BASE_URL", "https://www.zohoapis.com/books/v3"),
		CatalogTokenURL:     getenv("EXTERNAL_CATALOG_TOKEN_URL", "https://accounts.zoho.com/oauth/v2/token"),
		CatalogClientID:     os.Getenv("EXTERNAL_CATALOG_CLIENT_ID"),
		CatalogClientSecret: os.Getenv("EXTERNAL_CATALOG_CLIENT_SECRET"),
		CatalogRefreshToken: os.Getenv("EXTERNAL_CATALOG_REFRESH_TOKEN"),
		CatalogRPS:          getfloat("EXTERNAL_CATALOG_RPS", 5),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "data/orderdesk.db"),
		BlobPrefix:  getenv("BLOB_CONTAINER_PREFIX", ""),

		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
	}

	if cfg.RetentionDays < 1825 {
		return nil, fmt.Errorf("config: RETENTION_DAYS=%d below the 5-year minimum (1825)", cfg.RetentionDays)
	}
	if cfg.CommitteeMinSuccessful > cfg.CommitteeSize {
		return nil, fmt.Errorf("config: COMMITTEE_MIN_SUCCESSFUL=%d exceeds COMMITTEE_SIZE=%d",
			cfg.CommitteeMinSuccessful, cfg.CommitteeSize)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
