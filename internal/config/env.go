package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by LEDGER_BACKEND, BLOB_BACKEND and EXTRACTOR.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendS3       = "s3"

	ExtractorTextract = "textract"
	ExtractorGemini   = "gemini"
	ExtractorDocconv  = "docconv"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	LedgerBackend string
	DatabaseURL   string

	BlobBackend  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	BlobPrefix   string
	S3Endpoint   string

	Extractor      string
	AIAPIKey       string
	GenModel       string
	ExtractTimeout time.Duration
	StaleAfter     time.Duration
	ExtractWorkers int
	AutoExtract    bool

	CallbackTimeout     time.Duration
	CallbackMaxAttempts int
	NotifyOnFailure     bool
	SweepInterval       time.Duration
	SweepMinAge         time.Duration
	RedisURL            string

	JWTSecret   string
	CORSOrigins []string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		LedgerBackend: strings.ToLower(getEnv("LEDGER_BACKEND", BackendPostgres)),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		BlobBackend:  strings.ToLower(getEnv("BLOB_BACKEND", BackendS3)),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "extracta-docs"),
		BlobPrefix:   getEnv("BLOB_PREFIX", "documents/"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),

		Extractor:      strings.ToLower(getEnv("EXTRACTOR", ExtractorTextract)),
		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GenModel:       getEnv("GEN_MODEL", "gemini-1.5-flash"),
		ExtractTimeout: getEnvDuration("EXTRACT_TIMEOUT", 2*time.Minute),
		StaleAfter:     getEnvDuration("EXTRACT_STALE_AFTER", 0),
		ExtractWorkers: getEnvInt("EXTRACT_WORKERS", 4),
		AutoExtract:    getEnvBool("AUTO_EXTRACT", true),

		CallbackTimeout:     getEnvDuration("CALLBACK_TIMEOUT", 10*time.Second),
		CallbackMaxAttempts: getEnvInt("CALLBACK_MAX_ATTEMPTS", 5),
		NotifyOnFailure:     getEnvBool("NOTIFY_ON_FAILURE", false),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepMinAge:         getEnvDuration("SWEEP_MIN_AGE", 30*time.Second),
		RedisURL:            getEnv("REDIS_URL", ""),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings required by the selected backends are present.
func (c *Config) Validate() error {
	var errs []error

	switch c.LedgerBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	switch c.BlobBackend {
	case BackendS3:
		if c.BucketName == "" {
			errs = append(errs, errors.New("BUCKET_NAME not set"))
		}
		if c.AwsRegion == "" {
			errs = append(errs, errors.New("AWS_REGION not set"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend))
	}

	switch c.Extractor {
	case ExtractorTextract, ExtractorDocconv:
	case ExtractorGemini:
		if c.AIAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EXTRACTOR %q", c.Extractor))
	}

	if c.ExtractWorkers < 1 {
		errs = append(errs, errors.New("EXTRACT_WORKERS must be at least 1"))
	}
	if c.CallbackMaxAttempts < 1 {
		errs = append(errs, errors.New("CALLBACK_MAX_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
