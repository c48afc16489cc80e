package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// Registry holds one ConnectionState per live connection.
//
// A background goroutine closes outbound sessions that have been idle longer than the idle
// timeout; the dispatcher dials a fresh one on the next send.
type Registry struct {
	states map[string]*ConnectionState
	mu     sync.RWMutex

	outboundIdleTimeout time.Duration
	cleanupCtx          context.Context
	cleanupCancel       context.CancelFunc
	cleanupDone         chan struct{}
	now                 func() time.Time
	logger              *zap.Logger
}

// NewRegistry creates an empty registry and starts its cleanup goroutine. Call Close to stop it.
func NewRegistry(outboundIdleTimeout, cleanupInterval time.Duration, logger *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		states:              make(map[string]*ConnectionState),
		outboundIdleTimeout: outboundIdleTimeout,
		cleanupCtx:          ctx,
		cleanupCancel:       cancel,
		cleanupDone:         make(chan struct{}),
		now:                 time.Now,
		logger:              logger.Named("registry"),
	}
	go r.runCleanup(cleanupInterval)
	return r
}

// Register inserts state unless an entry for the same id exists. It returns the entry that is
// in the registry afterwards and whether it was newly inserted.
func (r *Registry) Register(state *ConnectionState) (*ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.states[state.ID]; ok {
		return existing, false
	}
	r.states[state.ID] = state
	return state, true
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[id]
	return state, ok
}

// Remove deletes and returns the entry for id, or nil. It does not close sessions.
func (r *Registry) Remove(id string) *ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.states[id]
	delete(r.states, id)
	return state
}

// IDs returns the registered connection ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Snapshot returns the debug view of every entry.
func (r *Registry) Snapshot() map[string]models.ActiveConnectionInfo {
	r.mu.RLock()
	states := make([]*ConnectionState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.RUnlock()

	result := make(map[string]models.ActiveConnectionInfo, len(states))
	for _, s := range states {
		result[s.ID] = s.Info()
	}
	return result
}

// Close stops the cleanup goroutine and logs out every session.
func (r *Registry) Close() {
	r.cleanupCancel()
	<-r.cleanupDone

	r.mu.Lock()
	states := r.states
	r.states = make(map[string]*ConnectionState)
	r.mu.Unlock()

	for _, state := range states {
		state.closeSessions()
	}
}

func (r *Registry) runCleanup(interval time.Duration) {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.cleanupCtx.Done():
			return
		case <-ticker.C:
			r.closeIdleOutbound()
		}
	}
}

// closeIdleOutbound closes outbound sessions unused for longer than the idle timeout.
func (r *Registry) closeIdleOutbound() int {
	r.mu.RLock()
	states := make([]*ConnectionState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.RUnlock()

	now := r.now()
	closed := 0
	for _, state := range states {
		session := state.Outbound()
		if session == nil || now.Sub(session.LastUsed()) <= r.outboundIdleTimeout {
			continue
		}
		if state.dropOutbound(session) {
			_ = session.Close()
			closed++
			r.logger.Debug("closed idle outbound session", zap.String("connection_id", state.ID))
		}
	}
	return closed
}
