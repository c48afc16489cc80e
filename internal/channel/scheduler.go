package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyncFunc runs one sync cycle for a connection.
type SyncFunc func(ctx context.Context, connectionID string) error

// ExistsFunc reports whether the connection's config record still exists.
type ExistsFunc func(ctx context.Context, connectionID string) (bool, error)

type poller struct {
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

// Scheduler runs one polling goroutine per connection. The next tick is scheduled only after
// the previous sync returned, so cycles of one connection never overlap.
type Scheduler struct {
	mu      sync.Mutex
	pollers map[string]*poller

	base   context.Context
	sync   SyncFunc
	exists ExistsFunc
	onGone func(connectionID string)
	logger *zap.Logger
}

// NewScheduler creates a scheduler. Pollers stop when base is canceled. onGone is called from
// the poller's goroutine after it noticed that the config record was deleted.
func NewScheduler(base context.Context, syncFn SyncFunc, exists ExistsFunc, onGone func(string), logger *zap.Logger) *Scheduler {
	return &Scheduler{
		pollers: make(map[string]*poller),
		base:    base,
		sync:    syncFn,
		exists:  exists,
		onGone:  onGone,
		logger:  logger.Named("scheduler"),
	}
}

// Start begins polling id every interval, replacing any existing poller. With immediate the
// first cycle runs right away instead of after one interval. The replaced poller has exited
// before the new one starts.
func (s *Scheduler) Start(id string, interval time.Duration, immediate bool) {
	ctx, cancel := context.WithCancel(s.base)
	p := &poller{
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// Swapping under the lock keeps every live poller reachable from the map.
	s.mu.Lock()
	prev := s.pollers[id]
	s.pollers[id] = p
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go s.run(ctx, id, interval, immediate, p)
}

// Stop cancels the poller for id and waits for it to exit. A cycle in flight is canceled.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	p, ok := s.pollers[id]
	delete(s.pollers, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	p.cancel()
	<-p.done
}

// StopAll stops every poller.
func (s *Scheduler) StopAll() {
	for _, id := range s.IDs() {
		s.Stop(id)
	}
}

// Trigger asks the poller for id to sync as soon as it is idle. Requests made while a cycle is
// running collapse into one follow-up cycle. It reports whether a poller exists.
func (s *Scheduler) Trigger(id string) bool {
	s.mu.Lock()
	p, ok := s.pollers[id]
	s.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pollers[id]
	return ok
}

// IDs returns the ids with a running poller, sorted.
func (s *Scheduler) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) run(ctx context.Context, id string, interval time.Duration, immediate bool, p *poller) {
	defer close(p.done)
	logger := s.logger.With(zap.String("connection_id", id))

	first := interval
	if immediate {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if !s.tick(ctx, id, logger) {
			s.removeSelf(id, p)
			if s.onGone != nil {
				s.onGone(id)
			}
			return
		}
		timer.Reset(interval)
	}
}

// tick runs one guarded cycle. It returns false when the connection no longer exists.
func (s *Scheduler) tick(ctx context.Context, id string, logger *zap.Logger) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Sync cycle panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()

	exists, err := s.exists(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to check connection before sync", zap.Error(err))
		}
		return true
	}
	if !exists {
		logger.Info("Connection was deleted, stopping its poller")
		return false
	}

	if err := s.sync(ctx, id); err != nil && ctx.Err() == nil {
		logger.Warn("Scheduled sync failed", zap.Error(err))
	}
	return true
}

// removeSelf drops the poller's map entry if it still belongs to p.
func (s *Scheduler) removeSelf(id string, p *poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.pollers[id]; ok && current == p {
		delete(s.pollers, id)
	}
}
