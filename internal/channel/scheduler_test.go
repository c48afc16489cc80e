package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func alwaysExists(context.Context, string) (bool, error) {
	return true, nil
}

func TestSchedulerNeverOverlapsCycles(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, maxRunning, calls atomic.Int32
	syncFn := func(ctx context.Context, _ string) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			current := maxRunning.Load()
			if n <= current || maxRunning.CompareAndSwap(current, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	s := NewScheduler(context.Background(), syncFn, alwaysExists, nil, zap.NewNop())
	s.Start("c1", time.Millisecond, true)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.Trigger("c1")
				}
			}
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() >= 5 }, 2*time.Second, time.Millisecond)
	close(stop)
	wg.Wait()
	s.Stop("c1")

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.False(t, s.Has("c1"))
}

func TestSchedulerWaitsForInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	s := NewScheduler(context.Background(), func(context.Context, string) error {
		calls.Add(1)
		return nil
	}, alwaysExists, nil, zap.NewNop())

	s.Start("c1", time.Hour, false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	assert.True(t, s.Trigger("c1"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Trigger("other"))

	s.StopAll()
	assert.Empty(t, s.IDs())
}

func TestSchedulerStopsForDeletedConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	gone := make(chan string, 1)
	var synced atomic.Bool
	s := NewScheduler(context.Background(), func(context.Context, string) error {
		synced.Store(true)
		return nil
	}, func(context.Context, string) (bool, error) {
		return false, nil
	}, func(id string) { gone <- id }, zap.NewNop())

	s.Start("c1", time.Millisecond, true)

	select {
	case id := <-gone:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not notice the deleted connection")
	}
	require.Eventually(t, func() bool { return !s.Has("c1") }, time.Second, time.Millisecond)
	assert.False(t, synced.Load())
	s.Stop("c1")
}

func TestSchedulerSurvivesPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	s := NewScheduler(context.Background(), func(context.Context, string) error {
		if calls.Add(1) == 1 {
			panic("unexpected nil envelope")
		}
		return nil
	}, alwaysExists, nil, zap.NewNop())

	s.Start("c1", time.Millisecond, true)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop("c1")
}

func TestSchedulerStopsWithBaseContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx, func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}, alwaysExists, nil, zap.NewNop())

	s.Start("c1", time.Millisecond, true)
	s.Start("c2", time.Millisecond, true)
	cancel()
	s.StopAll()
	assert.Empty(t, s.IDs())
}

func TestSchedulerConcurrentStartLeavesOnePoller(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	s := NewScheduler(context.Background(), func(ctx context.Context, _ string) error {
		calls.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Millisecond):
		}
		return nil
	}, alwaysExists, nil, zap.NewNop())

	for i := 0; i < 20; i++ {
		s.Start("c1", time.Millisecond, true)

		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Start("c1", time.Millisecond, true)
			}()
		}
		wg.Wait()
		s.Stop("c1")

		after := calls.Load()
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, after, calls.Load(), "a poller kept syncing after Stop (iteration %d)", i)
		require.False(t, s.Has("c1"))
	}
}
