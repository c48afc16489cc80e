package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "mailsync:seen:"

// Options configures the redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// SeenCache remembers message ids that were already stored, per connection, so repeated
// sync windows can skip the database lookup. A miss never means "new": callers still check
// the database.
type SeenCache struct {
	rdb    *goredis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSeenCache connects to redis and pings it.
func NewSeenCache(ctx context.Context, opts Options, logger *zap.Logger) (*SeenCache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}

	logger = logger.Named("seen_cache")
	logger.Info("Connected to redis", zap.String("address", opts.Address), zap.Int("db", opts.DB))

	return &SeenCache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func key(connectionID, messageID string) string {
	return keyPrefix + connectionID + ":" + messageID
}

// Seen reports whether the message id was marked for the connection.
func (c *SeenCache) Seen(ctx context.Context, connectionID, messageID string) (bool, error) {
	err := c.rdb.Get(ctx, key(connectionID, messageID)).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read seen marker: %w", err)
	}
	return true, nil
}

// MarkSeen records the message id with the configured TTL.
func (c *SeenCache) MarkSeen(ctx context.Context, connectionID, messageID string) error {
	if err := c.rdb.Set(ctx, key(connectionID, messageID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write seen marker: %w", err)
	}
	return nil
}

// Ping is used by readiness checks.
func (c *SeenCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *SeenCache) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close redis connection", zap.Error(err))
		return err
	}
	return nil
}
