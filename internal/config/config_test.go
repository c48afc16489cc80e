package config

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MAILSYNC_ENV", "production")
	t.Setenv("MAILSYNC_ENCRYPTION_KEY_BASE64", "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=")
	t.Setenv("MAILSYNC_DB_PASSWORD", "test-password")
}

func TestNewConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAILSYNC_DB_HOST", "db.internal")
	t.Setenv("MAILSYNC_DB_PORT", "6543")
	t.Setenv("MAILSYNC_DB_USER", "test-user")
	t.Setenv("MAILSYNC_DB_NAME", "testdb")
	t.Setenv("MAILSYNC_PORT", "3000")
	t.Setenv("MAILSYNC_AUTH_TOKENS", "abc=tenant-1, def=tenant-2,broken")
	t.Setenv("MAILSYNC_EMAIL_DEFAULT_SYNC_INTERVAL", "2m")
	t.Setenv("MAILSYNC_EMAIL_IDLE_ENABLED", "false")

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, "db.internal", config.DBHost)
	assert.Equal(t, "6543", config.DBPort)
	assert.Equal(t, "test-user", config.DBUsername)
	assert.Equal(t, "testdb", config.DBName)
	assert.Equal(t, "3000", config.Port)
	assert.Equal(t, map[string]string{"abc": "tenant-1", "def": "tenant-2"}, config.APITokens)
	assert.Equal(t, 2*time.Minute, config.Email.DefaultSyncInterval)
	assert.False(t, config.Email.IdleEnabled)
}

func TestNewConfigWithDefaults(t *testing.T) {
	setRequiredEnv(t)

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost", config.DBHost)
	assert.Equal(t, "5432", config.DBPort)
	assert.Equal(t, "8080", config.Port)
	assert.Equal(t, "info", config.Log.Level)

	email := config.Email
	assert.Equal(t, 60*time.Second, email.DefaultSyncInterval)
	assert.Equal(t, 10*time.Second, email.MinSyncInterval)
	assert.Equal(t, 5*time.Minute, email.SafetyBuffer)
	assert.Equal(t, 24*time.Hour, email.FirstSyncLookback)
	assert.Equal(t, 200, email.FallbackRecentCount)
	assert.Equal(t, 5*time.Minute, email.HealthCheckInterval)
	assert.Equal(t, 30*time.Minute, email.StaleThreshold)
	assert.Equal(t, 3, email.SendMaxAttempts)
	assert.Equal(t, time.Second, email.SendBackoffBase)
	assert.Equal(t, 5*time.Second, email.SendBackoffMax)
	assert.True(t, email.IdleEnabled)
	assert.Equal(t, "/email-attachments", config.Attachments.URLPrefix)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			EncryptionKeyBase64: "key",
			DBPassword:          "pw",
			Email: EmailConfig{
				DefaultSyncInterval: time.Minute,
				MinSyncInterval:     10 * time.Second,
				SendMaxAttempts:     3,
			},
		}
	}

	t.Run("accepts a complete config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("requires encryption key", func(t *testing.T) {
		c := valid()
		c.EncryptionKeyBase64 = ""
		assert.Error(t, c.Validate())
	})

	t.Run("requires database password", func(t *testing.T) {
		c := valid()
		c.DBPassword = ""
		assert.Error(t, c.Validate())
	})

	t.Run("rejects default interval below the minimum", func(t *testing.T) {
		c := valid()
		c.Email.DefaultSyncInterval = 5 * time.Second
		assert.Error(t, c.Validate())
	})

	t.Run("rejects zero send attempts", func(t *testing.T) {
		c := valid()
		c.Email.SendMaxAttempts = 0
		assert.Error(t, c.Validate())
	})
}

func TestGetDatabaseURL(t *testing.T) {
	config := &Config{
		DBUsername: "user",
		DBPassword: "pass",
		DBHost:     "localhost",
		DBPort:     "5432",
		DBName:     "mailsync",
		DBSSLMode:  "disable",
	}

	parsed, err := url.Parse(config.GetDatabaseURL())
	require.NoError(t, err)
	assert.Equal(t, "postgres", parsed.Scheme)
	assert.Equal(t, "localhost:5432", parsed.Host)
	assert.Equal(t, "/mailsync", parsed.Path)
	assert.Equal(t, "disable", parsed.Query().Get("sslmode"))
}
