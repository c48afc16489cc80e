package channel

import (
	"context"
	"sort"
	"sync"

	"github.com/vdavid/mailsync/internal/models"
)

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Listeners keeps one IDLE watcher per connection. A watcher only asks the scheduler for an
// early cycle; the sync itself still runs on the poller goroutine.
type Listeners struct {
	mu        sync.Mutex
	listeners map[string]*listener

	base    context.Context
	watch   WatchFunc
	trigger func(connectionID string) bool
}

func NewListeners(base context.Context, watch WatchFunc, trigger func(string) bool) *Listeners {
	return &Listeners{
		listeners: make(map[string]*listener),
		base:      base,
		watch:     watch,
		trigger:   trigger,
	}
}

// Start watches folder on endpoint for id, replacing an existing watcher.
func (l *Listeners) Start(id string, endpoint models.Endpoint, folder string) {
	if l.watch == nil {
		return
	}
	ctx, cancel := context.WithCancel(l.base)
	w := &listener{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	prev := l.listeners[id]
	l.listeners[id] = w
	l.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go func() {
		defer close(w.done)
		l.watch(ctx, endpoint, folder, func() { l.trigger(id) })
	}()
}

func (l *Listeners) Stop(id string) {
	l.mu.Lock()
	w, ok := l.listeners[id]
	delete(l.listeners, id)
	l.mu.Unlock()

	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

func (l *Listeners) StopAll() {
	for _, id := range l.IDs() {
		l.Stop(id)
	}
}

func (l *Listeners) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.listeners[id]
	return ok
}

func (l *Listeners) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
