// Package server assembles the email channel service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/cache"
	"github.com/vdavid/mailsync/internal/channel"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/health"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/monitoring"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/storage"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 15 * time.Second
	maxSocketsPerTenant  = 50
	goroutineLimit       = 10000
	defaultAttachmentURL = "/email-attachments"
)

// App is the assembled service: the connection manager, its collaborators, and the HTTP routes.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *db.Store
	credentials *credentials.Store
	manager     *channel.Manager
	hub         *ws.Hub
	seen        *cache.SeenCache
	metrics     *monitoring.Metrics
	mux         *http.ServeMux
}

// New builds every component from cfg on top of an open database pool.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*App, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	attachments, err := storage.NewAttachmentStore(cfg.Attachments.Dir, cfg.Attachments.URLPrefix, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:         cfg,
		logger:      logger,
		store:       db.NewStore(pool),
		credentials: credentials.NewStore(pool, encryptor, cfg.Email.MinSyncInterval).WithDefaultSyncInterval(cfg.Email.DefaultSyncInterval),
		hub:         ws.NewHub(maxSocketsPerTenant, logger),
		metrics:     monitoring.NewMetrics(),
		mux:         http.NewServeMux(),
	}

	deps := channel.Deps{
		Credentials: app.credentials,
		Store:       app.store,
		Blobs:       attachments,
		Notifier:    app.hub,
		Metrics:     app.metrics,
		Logger:      logger,
	}

	if cfg.Redis.Enabled {
		seen, err := cache.NewSeenCache(ctx, cache.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.SeenTTL,
		}, logger)
		if err != nil {
			// The database duplicate check still works without the cache.
			logger.Warn("Seen-message cache unavailable, continuing without it", zap.Error(err))
		} else {
			app.seen = seen
			deps.Seen = seen
		}
	}

	app.manager = channel.NewManager(deps, EmailOptions(cfg.Email))
	app.routes(attachments)
	return app, nil
}

// EmailOptions maps the email.* settings onto the connection manager options.
func EmailOptions(cfg config.EmailConfig) channel.Options {
	return channel.Options{
		SafetyBuffer:            cfg.SafetyBuffer,
		FirstSyncLookback:       cfg.FirstSyncLookback,
		FallbackRecentCount:     cfg.FallbackRecentCount,
		MaxSyncMessages:         cfg.MaxSyncMessages,
		HealthCheckInterval:     cfg.HealthCheckInterval,
		StaleThreshold:          cfg.StaleThreshold,
		SendMaxAttempts:         cfg.SendMaxAttempts,
		SendBackoffBase:         cfg.SendBackoffBase,
		SendBackoffMax:          cfg.SendBackoffMax,
		OutboundIdleTimeout:     cfg.OutboundIdleTimeout,
		OutboundCleanupInterval: cfg.OutboundCleanupInterval,
		ResumeStagger:           cfg.ResumeStagger,
		DeadLetterMaxAttempts:   cfg.DeadLetterMaxAttempts,
		DeadLetterRetryInterval: cfg.DeadLetterRetryInterval,
		IdleEnabled:             cfg.IdleEnabled,
		InboundTimeouts: imap.Timeouts{
			Connect:  cfg.ConnectTimeout,
			Greeting: cfg.GreetingTimeout,
			Command:  cfg.CommandTimeout,
		},
		OutboundTimeouts: smtp.Timeouts{
			Connect:    cfg.ConnectTimeout,
			Command:    cfg.CommandTimeout,
			Submission: channel.DefaultOptions().OutboundTimeouts.Submission,
		},
	}
}

func (a *App) routes(attachments *storage.AttachmentStore) {
	authenticator := auth.NewAuthenticator(a.cfg.APITokens, a.logger)

	a.mux.HandleFunc("GET /{$}", handleRoot)

	api.NewConnectionsHandler(a.manager, a.credentials, a.logger).Register(a.mux, authenticator.RequireAuth)
	// The WebSocket handler authenticates on its own since browsers cannot set headers on it.
	a.mux.HandleFunc("GET /api/v1/ws", api.NewWebSocketHandler(authenticator, a.hub, a.logger).Handle)

	if a.cfg.DebugEndpoints {
		api.NewDebugHandler(a.manager, a.logger).Register(a.mux)
	}

	prefix := strings.TrimRight(a.cfg.Attachments.URLPrefix, "/")
	if prefix == "" {
		prefix = defaultAttachmentURL
	}
	a.mux.Handle(prefix+"/", http.StripPrefix(prefix, attachments.Handler()))

	a.mux.Handle("GET /metrics", a.metrics.Handler())

	checker := health.NewChecker(a.logger)
	checker.AddPinger("database", a.store)
	if a.seen != nil {
		checker.AddPinger("redis", a.seen)
	}
	checker.AddLiveness("connection-manager", a.manager.Running)
	checker.AddGoroutineLimit(goroutineLimit)
	a.mux.Handle("/health/", http.StripPrefix("/health", checker.Handler()))
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Mailsync API is running")
}

// Mux returns the route table so callers can mount extra routes before Run.
func (a *App) Mux() *http.ServeMux { return a.mux }

func (a *App) Manager() *channel.Manager { return a.manager }

func (a *App) Credentials() *credentials.Store { return a.credentials }

// Run serves HTTP on addr and resumes stored connections until ctx is cancelled, then shuts
// down the HTTP server first and the connection manager second.
func (a *App) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Sends retry with backoff inside the request.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("address", addr), zap.String("environment", a.cfg.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		opened, err := a.manager.ResumeAll(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// Connections left out here can still be opened through the API.
			a.logger.Error("Failed to resume email connections", zap.Int("opened", opened), zap.Error(err))
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
		}
		a.Close()
		return nil
	})

	return group.Wait()
}

// Close stops the connection manager and releases the cache.
func (a *App) Close() {
	a.manager.Shutdown()
	if a.seen != nil {
		if err := a.seen.Close(); err != nil {
			a.logger.Debug("Failed to close seen cache", zap.Error(err))
		}
	}
}
