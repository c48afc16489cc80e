package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/server"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

const (
	testTenantID = "test-tenant"
	testAPIToken = "test-token"
	testMailbox  = "support@example.com"
)

func main() {
	log := logger.NewDevelopmentLogger()
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("Test server failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := setupTestEnvironment(); err != nil {
		return err
	}
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.APITokens = map[string]string{testAPIToken: testTenantID}
	cfg.DebugEndpoints = true
	cfg.Redis.Enabled = false

	attachmentDir, err := os.MkdirTemp("", "mailsync-attachments-*")
	if err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(attachmentDir) }()
	cfg.Attachments.Dir = attachmentDir

	container, connStr, err := startPostgres(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Warn("Failed to terminate Postgres container", zap.Error(err))
		}
	}()

	pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		return err
	}
	defer pool.Close()

	imapServer, err := testutil.StartIMAPServer(envOr("MAILSYNC_TEST_IMAP_ADDR", "127.0.0.1:1143"))
	if err != nil {
		return fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	defer imapServer.Close()

	smtpServer, err := testutil.NewTestSMTPServerAt(envOr("MAILSYNC_TEST_SMTP_ADDR", "127.0.0.1:1025"))
	if err != nil {
		return fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	defer smtpServer.Close()

	log.Info("Test mail servers started",
		zap.String("imap", imapServer.Address), zap.String("imap_user", imapServer.Username()),
		zap.String("smtp", smtpServer.Address), zap.String("smtp_user", smtpServer.Username()))

	app, err := server.New(ctx, cfg, pool, log)
	if err != nil {
		return err
	}
	app.Mux().HandleFunc("POST /test/add-imap-message", api.NewTestHandler(imapServer, app.Manager(), log).AddIMAPMessage)

	connectionID, err := seedConnection(ctx, app, imapServer.Endpoint(), smtpServer.Endpoint())
	if err != nil {
		app.Close()
		return err
	}
	log.Info("Test server ready",
		zap.String("connection_id", connectionID),
		zap.String("tenant_id", testTenantID),
		zap.String("api_token", testAPIToken))

	return app.Run(ctx, ":"+cfg.Port)
}

// setupTestEnvironment sets the variables config validation requires.
func setupTestEnvironment() error {
	vars := map[string]string{
		"MAILSYNC_ENV":                   "test",
		"MAILSYNC_ENCRYPTION_KEY_BASE64": "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=",
		"MAILSYNC_DB_PASSWORD":           "mailsync",
		"MAILSYNC_EMAIL_RESUME_STAGGER":  "10ms",
	}
	for key, value := range vars {
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func startPostgres(ctx context.Context, log *zap.Logger) (*postgres.PostgresContainer, string, error) {
	log.Info("Starting test Postgres database")
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailsync_test"),
		postgres.WithUsername("mailsync"),
		postgres.WithPassword("mailsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}
	return container, connStr, nil
}

func setupDatabase(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := testutil.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return pool, nil
}

// seedConnection stores a connection pointing at the local mail servers and opens it.
func seedConnection(ctx context.Context, app *server.App, inbound, outbound models.Endpoint) (string, error) {
	record, err := app.Credentials().SaveConnection(ctx, testTenantID, &models.ConnectionSettingsRequest{
		EmailAddress:         testMailbox,
		DisplayName:          "Support",
		IMAPHost:             inbound.Host,
		IMAPPort:             inbound.Port,
		IMAPUsername:         inbound.Username,
		IMAPPassword:         inbound.Password,
		SMTPHost:             outbound.Host,
		SMTPPort:             outbound.Port,
		SMTPUsername:         outbound.Username,
		SMTPPassword:         outbound.Password,
		SyncFrequencySeconds: 10,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save test connection: %w", err)
	}

	if err := app.Manager().Open(ctx, record.ID); err != nil {
		return "", fmt.Errorf("failed to open test connection: %w", err)
	}
	return record.ID, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
