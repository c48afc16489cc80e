package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const checkTimeout = 5 * time.Second

// Pinger is anything that can answer a cheap round trip, such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker serves /live and /ready.
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		health: healthcheck.NewHandler(),
		logger: logger.Named("health"),
	}
}

// AddPinger adds a readiness check that pings the dependency. Nil pingers are skipped, which
// keeps optional dependencies such as redis out of the checks when disabled.
func (c *Checker) AddPinger(name string, p Pinger) {
	if p == nil {
		return
	}
	c.health.AddReadinessCheck(name, c.logged(name, PingCheck(p)))
}

// AddLiveness adds a liveness check.
func (c *Checker) AddLiveness(name string, check func() error) {
	c.health.AddLivenessCheck(name, c.logged(name, check))
}

// AddGoroutineLimit fails liveness when the process runs more goroutines than limit.
func (c *Checker) AddGoroutineLimit(limit int) {
	c.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(limit))
}

// Handler serves /live and /ready; mount it with http.StripPrefix.
func (c *Checker) Handler() http.Handler {
	return c.health
}

func (c *Checker) logged(name string, check func() error) healthcheck.Check {
	return func() error {
		if err := check(); err != nil {
			c.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	}
}

// PingCheck turns a Pinger into a check with a bounded timeout.
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}
