package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// HealthMonitor checks each registered connection on a fixed interval and reconnects the
// ones whose inbound session went stale or unusable.
type HealthMonitor struct {
	mu       sync.Mutex
	monitors map[string]*monitor

	base      context.Context
	registry  *Registry
	reconnect func(ctx context.Context, connectionID string) error
	interval  time.Duration
	stale     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewHealthMonitor(base context.Context, registry *Registry, reconnect func(context.Context, string) error, interval, stale time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		monitors:  make(map[string]*monitor),
		base:      base,
		registry:  registry,
		reconnect: reconnect,
		interval:  interval,
		stale:     stale,
		now:       time.Now,
		logger:    logger.Named("health"),
	}
}

// Start begins monitoring id, replacing an existing monitor.
func (h *HealthMonitor) Start(id string) {
	ctx, cancel := context.WithCancel(h.base)
	m := &monitor{cancel: cancel, done: make(chan struct{})}

	h.mu.Lock()
	prev := h.monitors[id]
	h.monitors[id] = m
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go h.run(ctx, id, m)
}

// Stop cancels the monitor for id and waits for it to exit.
func (h *HealthMonitor) Stop(id string) {
	h.mu.Lock()
	m, ok := h.monitors[id]
	delete(h.monitors, id)
	h.mu.Unlock()

	if !ok {
		return
	}
	m.cancel()
	<-m.done
}

func (h *HealthMonitor) StopAll() {
	for _, id := range h.IDs() {
		h.Stop(id)
	}
}

func (h *HealthMonitor) Has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.monitors[id]
	return ok
}

func (h *HealthMonitor) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.monitors))
	for id := range h.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *HealthMonitor) run(ctx context.Context, id string, m *monitor) {
	defer close(m.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.check(ctx, id) {
				h.mu.Lock()
				if current, ok := h.monitors[id]; ok && current == m {
					delete(h.monitors, id)
				}
				h.mu.Unlock()
				return
			}
		}
	}
}

// check runs one health probe. It returns false when the connection left the registry.
func (h *HealthMonitor) check(ctx context.Context, id string) bool {
	state, ok := h.registry.Get(id)
	if !ok {
		return false
	}

	idle := h.now().Sub(state.LastActivity())
	session := state.Inbound()
	healthy := session != nil && session.Usable()
	if healthy && idle <= h.stale {
		return true
	}

	logger := h.logger.With(zap.String("connection_id", id))
	logger.Info("Connection unhealthy, reconnecting", zap.Duration("idle", idle), zap.Bool("session_usable", healthy))
	if err := h.reconnect(ctx, id); err != nil && !errors.Is(err, ErrReconnectInProgress) && ctx.Err() == nil {
		logger.Warn("Health reconnect failed", zap.Error(err))
	}
	return true
}
