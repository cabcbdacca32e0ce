package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	Timezone string // wall-clock zone for cron cadences and drip day windows

	// Database
	DatabaseURL string // takes precedence over the discrete DB_* settings
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis (scanner leases and send throttling)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion       string
	SESFromEmail    string
	SNSRegion       string
	PublishQueueURL string // when set, due posts are handed to SQS instead of the HTTP publisher

	// Chat-bot
	TelegramBotToken string
	TelegramRate     float64 // messages per second across all chats

	// Social platform collaborators
	PlatformPublishURL  string
	PlatformTimeout     time.Duration
	CredentialProvider  string
	FacebookAppID       string
	FacebookAppSecret   string
	FacebookGraphURL    string
	CredentialLookahead time.Duration

	// AI personalization of drip messages
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string
	AITimeout    time.Duration

	// Scanner cadences (cron expressions or descriptors)
	PublicationSchedule  string
	ReminderSchedule     string
	ReengagementSchedule string
	OnboardingSchedule   string
	CredentialSchedule   string
	RetentionSchedule    string

	// Scanner execution
	ScannerItemTimeout time.Duration
	ScannerRunTimeout  time.Duration
	ScannerConcurrency int
	ScannerBatchSize   int
	LeaseEnabled       bool

	// Policies
	PublishRequireApproval     bool
	ReminderLookahead          time.Duration
	PostRetentionDays          int
	NotificationRetentionHours int
	SendThrottlePerHour        int
	APIRateLimitPerMinute      int

	// OperatorUserIDs may list and trigger scanners and reset channel
	// breakers. Empty means nobody can.
	OperatorUserIDs []uuid.UUID

	AppBaseURL string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Timezone: "UTC",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postflow",
		DBName:    "postflow",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@postflow.local",

		TelegramRate: 25,

		PlatformTimeout:     60 * time.Second,
		CredentialProvider:  "facebook",
		FacebookGraphURL:    "https://graph.facebook.com/v19.0",
		CredentialLookahead: 7 * 24 * time.Hour,

		OpenAIModel: "gpt-4o-mini",
		AITimeout:   60 * time.Second,

		PublicationSchedule:  "0 * * * *",
		ReminderSchedule:     "15 * * * *",
		ReengagementSchedule: "0 10 * * *",
		OnboardingSchedule:   "0 9 * * *",
		CredentialSchedule:   "0 3 * * *",
		RetentionSchedule:    "30 4 * * *",

		ScannerItemTimeout: 60 * time.Second,
		ScannerRunTimeout:  20 * time.Minute,
		ScannerConcurrency: 4,
		ScannerBatchSize:   200,
		LeaseEnabled:       true,

		PublishRequireApproval:     true,
		ReminderLookahead:          24 * time.Hour,
		PostRetentionDays:          365,
		NotificationRetentionHours: 24 * 30,
		SendThrottlePerHour:        20,
		APIRateLimitPerMinute:      120,

		AppBaseURL: "http://localhost:3000",
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envString("ENV", cfg.Env)
	cfg.Timezone = envString("TIMEZONE", cfg.Timezone)

	// Database config
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS services
	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = envString("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.SNSRegion = envString("SNS_REGION", cfg.AWSRegion)
	cfg.PublishQueueURL = envString("PUBLISH_QUEUE_URL", cfg.PublishQueueURL)

	cfg.TelegramBotToken = envString("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	if cfg.TelegramRate, err = envFloat("TELEGRAM_RATE", cfg.TelegramRate); err != nil {
		return nil, err
	}

	cfg.PlatformPublishURL = envString("PLATFORM_PUBLISH_URL", cfg.PlatformPublishURL)
	if cfg.PlatformTimeout, err = envDuration("PLATFORM_TIMEOUT", cfg.PlatformTimeout); err != nil {
		return nil, err
	}
	cfg.CredentialProvider = envString("CREDENTIAL_PROVIDER", cfg.CredentialProvider)
	cfg.FacebookAppID = envString("FACEBOOK_APP_ID", cfg.FacebookAppID)
	cfg.FacebookAppSecret = envString("FACEBOOK_APP_SECRET", cfg.FacebookAppSecret)
	cfg.FacebookGraphURL = envString("FACEBOOK_GRAPH_URL", cfg.FacebookGraphURL)
	if cfg.CredentialLookahead, err = envDuration("CREDENTIAL_LOOKAHEAD", cfg.CredentialLookahead); err != nil {
		return nil, err
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	cfg.OpenAIModel = envString("OPENAI_MODEL", cfg.OpenAIModel)
	if cfg.AITimeout, err = envDuration("AI_TIMEOUT", cfg.AITimeout); err != nil {
		return nil, err
	}

	// Cadences
	cfg.PublicationSchedule = envString("PUBLICATION_SCHEDULE", cfg.PublicationSchedule)
	cfg.ReminderSchedule = envString("REMINDER_SCHEDULE", cfg.ReminderSchedule)
	cfg.ReengagementSchedule = envString("REENGAGEMENT_SCHEDULE", cfg.ReengagementSchedule)
	cfg.OnboardingSchedule = envString("ONBOARDING_SCHEDULE", cfg.OnboardingSchedule)
	cfg.CredentialSchedule = envString("CREDENTIAL_SCHEDULE", cfg.CredentialSchedule)
	cfg.RetentionSchedule = envString("RETENTION_SCHEDULE", cfg.RetentionSchedule)

	if cfg.ScannerItemTimeout, err = envDuration("SCANNER_ITEM_TIMEOUT", cfg.ScannerItemTimeout); err != nil {
		return nil, err
	}
	if cfg.ScannerRunTimeout, err = envDuration("SCANNER_RUN_TIMEOUT", cfg.ScannerRunTimeout); err != nil {
		return nil, err
	}
	if cfg.ScannerConcurrency, err = envInt("SCANNER_CONCURRENCY", cfg.ScannerConcurrency); err != nil {
		return nil, err
	}
	if cfg.ScannerBatchSize, err = envInt("SCANNER_BATCH_SIZE", cfg.ScannerBatchSize); err != nil {
		return nil, err
	}
	if cfg.LeaseEnabled, err = envBool("SCANNER_LEASE_ENABLED", cfg.LeaseEnabled); err != nil {
		return nil, err
	}

	if cfg.PublishRequireApproval, err = envBool("PUBLISH_REQUIRE_APPROVAL", cfg.PublishRequireApproval); err != nil {
		return nil, err
	}
	if cfg.ReminderLookahead, err = envDuration("REMINDER_LOOKAHEAD", cfg.ReminderLookahead); err != nil {
		return nil, err
	}
	if cfg.PostRetentionDays, err = envInt("POST_RETENTION_DAYS", cfg.PostRetentionDays); err != nil {
		return nil, err
	}
	if cfg.NotificationRetentionHours, err = envInt("NOTIFICATION_RETENTION_HOURS", cfg.NotificationRetentionHours); err != nil {
		return nil, err
	}
	if cfg.SendThrottlePerHour, err = envInt("SEND_THROTTLE_PER_HOUR", cfg.SendThrottlePerHour); err != nil {
		return nil, err
	}
	if cfg.APIRateLimitPerMinute, err = envInt("API_RATE_LIMIT_PER_MINUTE", cfg.APIRateLimitPerMinute); err != nil {
		return nil, err
	}

	if cfg.OperatorUserIDs, err = envUUIDs("OPERATOR_USER_IDS"); err != nil {
		return nil, err
	}

	cfg.AppBaseURL = strings.TrimRight(envString("APP_BASE_URL", cfg.AppBaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the scanners cannot run with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	if c.ScannerItemTimeout <= 0 {
		return fmt.Errorf("invalid SCANNER_ITEM_TIMEOUT: must be positive")
	}
	if c.ScannerConcurrency < 1 {
		return fmt.Errorf("invalid SCANNER_CONCURRENCY: must be at least 1")
	}
	if c.ScannerBatchSize < 1 {
		return fmt.Errorf("invalid SCANNER_BATCH_SIZE: must be at least 1")
	}
	if c.ReminderLookahead <= 0 {
		return fmt.Errorf("invalid REMINDER_LOOKAHEAD: must be positive")
	}
	return nil
}

// Location returns the configured wall-clock zone. Validate has already
// checked it, so a failure here falls back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the connection string for pgx.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DBPassword != "" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
}

// MigrationURL returns the database as a postgres:// URL, which the
// migrator requires.
func (c *Config) MigrationURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	return u.String()
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// envUUIDs parses a comma-separated list of user ids.
func envUUIDs(key string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
