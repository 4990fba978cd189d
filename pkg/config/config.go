// Package config loads gateway configuration from environment variables once
// at startup. Substrates receive the values they need at construction; nothing
// reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway configuration.
type Config struct {
	ListenAddr string
	LogLevel   string
	DebugMode  bool

	// Admission
	APIKey             string
	APISecret          string
	CORSAllowOrigins   []string
	RateLimitPerMinute int
	MaxBodyBytes       int64
	NonceTTL           time.Duration
	TimestampSkew      time.Duration
	RequestTimeout     time.Duration
	RedisAddr          string

	// Substrate roots
	LogRoot         string
	ReplayReportDir string

	// Self-healing
	SelfHealingEnabled  bool
	MaxHealingAttempts  int
	HealingMaxSteps     int
	HealingMaxSeconds   float64
	HealingMaxSameError int

	// FUJI gate
	FujiPolicyPath   string
	FujiRegistryPath string
	SafetyMode       string

	// LLM client
	LLMProvider       string
	LLMModel          string
	LLMBaseURL        string
	LLMAPIKey         string
	LLMTimeout        time.Duration
	LLMConnectTimeout time.Duration
	LLMMaxRetries     int

	// Evidence
	GitHubToken  string
	WebSearchURL string
	WebSearchKey string

	// Observability
	OTelEnabled  bool
	OTLPEndpoint string

	// Archive store for rotated segments and exports
	ArchiveStorage  string
	ArchiveS3Bucket string
	ArchiveS3Region string
	ArchiveS3Prefix string
	ArchiveEndpoint string
	ArchiveGCSBucket string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	logRoot := os.Getenv("VERITAS_LOG_ROOT")
	if logRoot == "" {
		logRoot = os.Getenv("VERITAS_DATA_DIR")
	}
	if logRoot == "" {
		logRoot = "data"
	}

	replayDir := os.Getenv("REPLAY_REPORT_DIR")
	if replayDir == "" {
		replayDir = logRoot + "/replay_reports"
	}

	return &Config{
		ListenAddr: envStr("VERITAS_LISTEN", ":8787"),
		LogLevel:   envStr("VERITAS_LOG_LEVEL", "INFO"),
		DebugMode:  envBool("VERITAS_DEBUG_MODE", false),

		APIKey:             os.Getenv("VERITAS_API_KEY"),
		APISecret:          os.Getenv("VERITAS_API_SECRET"),
		CORSAllowOrigins:   envList("VERITAS_CORS_ALLOW_ORIGINS"),
		RateLimitPerMinute: envInt("VERITAS_RATE_LIMIT_PER_MINUTE", 60),
		MaxBodyBytes:       envInt64("VERITAS_MAX_BODY_BYTES", 10<<20),
		NonceTTL:           envSeconds("VERITAS_NONCE_TTL", 300),
		TimestampSkew:      envSeconds("VERITAS_TIMESTAMP_SKEW", 300),
		RequestTimeout:     envSeconds("VERITAS_REQUEST_TIMEOUT", 60),
		RedisAddr:          os.Getenv("VERITAS_REDIS_ADDR"),

		LogRoot:         logRoot,
		ReplayReportDir: replayDir,

		SelfHealingEnabled:  envBool("VERITAS_SELF_HEALING_ENABLED", true),
		MaxHealingAttempts:  envInt("VERITAS_MAX_HEALING_ATTEMPTS", 3),
		HealingMaxSteps:     envInt("VERITAS_HEALING_MAX_STEPS", 6),
		HealingMaxSeconds:   envFloat("VERITAS_HEALING_MAX_SECONDS", 20.0),
		HealingMaxSameError: envInt("VERITAS_HEALING_MAX_SAME_ERROR", 2),

		FujiPolicyPath:   os.Getenv("VERITAS_FUJI_POLICY"),
		FujiRegistryPath: os.Getenv("VERITAS_FUJI_REGISTRY"),
		SafetyMode:       os.Getenv("VERITAS_SAFETY_MODE"),

		LLMProvider:       envStr("LLM_PROVIDER", "openai"),
		LLMModel:          envStr("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL:        envStr("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:         firstEnv("LLM_API_KEY", "OPENAI_API_KEY"),
		LLMTimeout:        envSeconds("LLM_TIMEOUT", 60),
		LLMConnectTimeout: envSeconds("LLM_CONNECT_TIMEOUT", 10),
		LLMMaxRetries:     envInt("LLM_MAX_RETRIES", 2),

		GitHubToken:  os.Getenv("VERITAS_GITHUB_TOKEN"),
		WebSearchURL: os.Getenv("VERITAS_WEBSEARCH_URL"),
		WebSearchKey: os.Getenv("VERITAS_WEBSEARCH_KEY"),

		OTelEnabled:  envBool("VERITAS_OTEL_ENABLED", false),
		OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		ArchiveStorage:   envStr("VERITAS_ARCHIVE_STORAGE", "fs"),
		ArchiveS3Bucket:  os.Getenv("VERITAS_ARCHIVE_S3_BUCKET"),
		ArchiveS3Region:  firstEnv("VERITAS_ARCHIVE_S3_REGION", "AWS_REGION"),
		ArchiveS3Prefix:  os.Getenv("VERITAS_ARCHIVE_S3_PREFIX"),
		ArchiveEndpoint:  os.Getenv("VERITAS_ARCHIVE_S3_ENDPOINT"),
		ArchiveGCSBucket: os.Getenv("VERITAS_ARCHIVE_GCS_BUCKET"),
	}
}

// Validate checks the invariants serving traffic depends on. Admission
// credentials are required; budget limits must be positive.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("VERITAS_API_KEY is required")
	}
	if c.APISecret == "" {
		return fmt.Errorf("VERITAS_API_SECRET is required")
	}
	if c.MaxHealingAttempts < 0 || c.HealingMaxSteps < 0 || c.HealingMaxSameError < 0 {
		return fmt.Errorf("healing budget limits must not be negative")
	}
	if c.HealingMaxSeconds < 0 {
		return fmt.Errorf("VERITAS_HEALING_MAX_SECONDS must not be negative")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("VERITAS_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("VERITAS_MAX_BODY_BYTES must be positive")
	}
	switch c.ArchiveStorage {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("unsupported VERITAS_ARCHIVE_STORAGE: %s", c.ArchiveStorage)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// envSeconds reads a numeric value in seconds (int or float) as a Duration.
func envSeconds(key string, fallback float64) time.Duration {
	secs := envFloat(key, fallback)
	return time.Duration(secs * float64(time.Second))
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
