package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (event queue + rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS (alternative event ingress; used when QueueURL is set)
	SQSRegion   string
	SQSQueueURL string

	// Email digest (urgent attention items mirrored to email)
	AWSRegion          string
	EmailDigestEnabled bool
	EmailFrom          string

	// Pipeline tuning
	DueSoonWindow          time.Duration // due_soon fires this long before due_at
	SlackRetryAttempts     int
	SlackPerAttemptTimeout time.Duration
	SlackOverallBudget     time.Duration
	ScannerTick            time.Duration
	PlannerTxnDeadline     time.Duration
	MembershipCacheTTL     time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "attentiond",
		DBPassword: "",
		DBName:     "attentiond",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",
		EmailFrom: "noreply@taskline.local",

		DueSoonWindow:          24 * time.Hour,
		SlackRetryAttempts:     3,
		SlackPerAttemptTimeout: 5 * time.Second,
		SlackOverallBudget:     30 * time.Second,
		ScannerTick:            60 * time.Second,
		PlannerTxnDeadline:     2 * time.Second,
		MembershipCacheTTL:     30 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SQS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Email digest
	if v := os.Getenv("EMAIL_DIGEST_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_DIGEST_ENABLED: %w", err)
		}
		cfg.EmailDigestEnabled = b
	}
	if from := os.Getenv("EMAIL_FROM"); from != "" {
		cfg.EmailFrom = from
	}

	// Pipeline tuning
	for _, opt := range []struct {
		env string
		dst *time.Duration
	}{
		{"DUE_SOON_WINDOW", &cfg.DueSoonWindow},
		{"SLACK_PER_ATTEMPT_TIMEOUT", &cfg.SlackPerAttemptTimeout},
		{"SLACK_OVERALL_BUDGET", &cfg.SlackOverallBudget},
		{"SCANNER_TICK", &cfg.ScannerTick},
		{"PLANNER_TXN_DEADLINE", &cfg.PlannerTxnDeadline},
		{"MEMBERSHIP_CACHE_TTL", &cfg.MembershipCacheTTL},
	} {
		if v := os.Getenv(opt.env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", opt.env, err)
			}
			*opt.dst = d
		}
	}

	if v := os.Getenv("SLACK_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SLACK_RETRY_ATTEMPTS: %w", err)
		}
		cfg.SlackRetryAttempts = n
	}

	// Membership lookups feed visibility decisions; a long TTL would let
	// removed members keep receiving attention.
	if cfg.MembershipCacheTTL > 60*time.Second {
		return nil, fmt.Errorf("MEMBERSHIP_CACHE_TTL must be <= 60s, got %s", cfg.MembershipCacheTTL)
	}

	return cfg, nil
}
