package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/vdavid/mailsync/internal/logger"
)

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	SeenTTL  time.Duration
}

type AttachmentConfig struct {
	Dir       string
	URLPrefix string
}

// EmailConfig holds the tunables of the connection manager.
type EmailConfig struct {
	DefaultSyncInterval     time.Duration
	MinSyncInterval         time.Duration
	SafetyBuffer            time.Duration
	FirstSyncLookback       time.Duration
	FallbackRecentCount     int
	MaxSyncMessages         int
	HealthCheckInterval     time.Duration
	StaleThreshold          time.Duration
	SendMaxAttempts         int
	SendBackoffBase         time.Duration
	SendBackoffMax          time.Duration
	ConnectTimeout          time.Duration
	GreetingTimeout         time.Duration
	CommandTimeout          time.Duration
	OutboundIdleTimeout     time.Duration
	OutboundCleanupInterval time.Duration
	ResumeStagger           time.Duration
	DeadLetterMaxAttempts   int
	DeadLetterRetryInterval time.Duration
	IdleEnabled             bool
}

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	DBMaxConns          int
	DBMinConns          int
	Port                string
	DebugEndpoints      bool
	// APITokens maps bearer tokens to tenant IDs.
	APITokens   map[string]string
	Log         logger.Config
	Redis       RedisConfig
	Attachments AttachmentConfig
	Email       EmailConfig
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

	v := newViper()

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: v.GetString("encryption_key_base64"),
		DBHost:              v.GetString("db.host"),
		DBPort:              v.GetString("db.port"),
		DBUsername:          v.GetString("db.user"),
		DBPassword:          v.GetString("db.password"),
		DBName:              v.GetString("db.name"),
		DBSSLMode:           v.GetString("db.sslmode"),
		DBMaxConns:          v.GetInt("db.max_conns"),
		DBMinConns:          v.GetInt("db.min_conns"),
		Port:                v.GetString("port"),
		DebugEndpoints:      v.GetBool("debug.enabled"),
		APITokens:           parseTokens(v.GetString("auth.tokens")),
		Log: logger.Config{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			LogFile:     v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			SeenTTL:  v.GetDuration("redis.seen_ttl"),
		},
		Attachments: AttachmentConfig{
			Dir:       v.GetString("attachments.dir"),
			URLPrefix: v.GetString("attachments.url_prefix"),
		},
		Email: EmailConfig{
			DefaultSyncInterval:     v.GetDuration("email.default_sync_interval"),
			MinSyncInterval:         v.GetDuration("email.min_sync_interval"),
			SafetyBuffer:            v.GetDuration("email.safety_buffer"),
			FirstSyncLookback:       v.GetDuration("email.first_sync_lookback"),
			FallbackRecentCount:     v.GetInt("email.fallback_recent_count"),
			MaxSyncMessages:         v.GetInt("email.max_sync_messages"),
			HealthCheckInterval:     v.GetDuration("email.health_check_interval"),
			StaleThreshold:          v.GetDuration("email.stale_threshold"),
			SendMaxAttempts:         v.GetInt("email.send_max_attempts"),
			SendBackoffBase:         v.GetDuration("email.send_backoff_base"),
			SendBackoffMax:          v.GetDuration("email.send_backoff_max"),
			ConnectTimeout:          v.GetDuration("email.connect_timeout"),
			GreetingTimeout:         v.GetDuration("email.greeting_timeout"),
			CommandTimeout:          v.GetDuration("email.command_timeout"),
			OutboundIdleTimeout:     v.GetDuration("email.outbound_idle_timeout"),
			OutboundCleanupInterval: v.GetDuration("email.outbound_cleanup_interval"),
			ResumeStagger:           v.GetDuration("email.resume_stagger"),
			DeadLetterMaxAttempts:   v.GetInt("email.dead_letter_max_attempts"),
			DeadLetterRetryInterval: v.GetDuration("email.dead_letter_retry_interval"),
			IdleEnabled:             v.GetBool("email.idle_enabled"),
		},
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if env == "development" && !v.IsSet("log.development") {
		config.Log.Development = true
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// newViper reads MAILSYNC_* environment variables, so "db.host" comes from MAILSYNC_DB_HOST.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("encryption_key_base64", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "mailsync")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "mailsync")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 25)
	v.SetDefault("db.min_conns", 5)
	v.SetDefault("port", "8080")
	v.SetDefault("debug.enabled", false)
	v.SetDefault("auth.tokens", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.seen_ttl", 72*time.Hour)

	v.SetDefault("attachments.dir", "./data/email-attachments")
	v.SetDefault("attachments.url_prefix", "/email-attachments")

	v.SetDefault("email.default_sync_interval", 60*time.Second)
	v.SetDefault("email.min_sync_interval", 10*time.Second)
	v.SetDefault("email.safety_buffer", 5*time.Minute)
	v.SetDefault("email.first_sync_lookback", 24*time.Hour)
	v.SetDefault("email.fallback_recent_count", 200)
	v.SetDefault("email.max_sync_messages", 100)
	v.SetDefault("email.health_check_interval", 5*time.Minute)
	v.SetDefault("email.stale_threshold", 30*time.Minute)
	v.SetDefault("email.send_max_attempts", 3)
	v.SetDefault("email.send_backoff_base", time.Second)
	v.SetDefault("email.send_backoff_max", 5*time.Second)
	v.SetDefault("email.connect_timeout", 30*time.Second)
	v.SetDefault("email.greeting_timeout", 30*time.Second)
	v.SetDefault("email.command_timeout", 60*time.Second)
	v.SetDefault("email.outbound_idle_timeout", 30*time.Minute)
	v.SetDefault("email.outbound_cleanup_interval", 10*time.Minute)
	v.SetDefault("email.resume_stagger", 2*time.Second)
	v.SetDefault("email.dead_letter_max_attempts", 5)
	v.SetDefault("email.dead_letter_retry_interval", 15*time.Minute)
	v.SetDefault("email.idle_enabled", true)

	return v
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.Email.MinSyncInterval <= 0 {
		return fmt.Errorf("MAILSYNC_EMAIL_MIN_SYNC_INTERVAL must be positive")
	}

	if c.Email.DefaultSyncInterval < c.Email.MinSyncInterval {
		return fmt.Errorf("MAILSYNC_EMAIL_DEFAULT_SYNC_INTERVAL must be at least %s", c.Email.MinSyncInterval)
	}

	if c.Email.SendMaxAttempts < 1 {
		return fmt.Errorf("MAILSYNC_EMAIL_SEND_MAX_ATTEMPTS must be at least 1")
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

// parseTokens parses "token1=tenant1,token2=tenant2".
func parseTokens(value string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		token, tenant, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || tenant == "" {
			continue
		}
		tokens[strings.TrimSpace(token)] = strings.TrimSpace(tenant)
	}
	return tokens
}
