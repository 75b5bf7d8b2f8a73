package kernel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Bounds(t *testing.T) {
	bo := NewBackoff(100*time.Millisecond, 400*time.Millisecond, 2.0, 0)

	// Zero jitter makes the sequence exact: 100, 200, 400, 400, ...
	assert.Equal(t, 100*time.Millisecond, bo.Next())
	assert.Equal(t, 200*time.Millisecond, bo.Next())
	assert.Equal(t, 400*time.Millisecond, bo.Next())
	assert.Equal(t, 400*time.Millisecond, bo.Next())

	bo.Reset()
	assert.Equal(t, 100*time.Millisecond, bo.Next())
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	init, max := 100*time.Millisecond, 30*time.Second
	bo := NewBackoff(init, max, 2.0, 0.5)
	for i := 0; i < 50; i++ {
		d := bo.Next()
		assert.GreaterOrEqual(t, d, init, "delay below init at step %d", i)
		assert.LessOrEqual(t, d, max, "delay above max at step %d", i)
	}
}

func TestSupervisor_RestartsAndCounts(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	sup := NewSupervisor(bus, IntensityCap{MaxRestarts: 100, Window: time.Minute})
	sup.boCfg = backoffConfig{init: time.Millisecond, max: 4 * time.Millisecond, factor: 2.0, jitter: 0}

	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Supervise(ctx, "testsvc", func(ctx context.Context) error {
			if runs.Add(1) >= 4 {
				return nil // clean exit stops supervision
			}
			return errors.New("boom")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	assert.Equal(t, int64(4), runs.Load(), "3 crashes then one clean run")

	// Three crash events were published.
	crashes := 0
	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub.Events:
			require.Equal(t, EventServiceCrashed, evt.Kind)
			assert.Equal(t, "testsvc", evt.Service)
			crashes++
		case <-time.After(time.Second):
			t.Fatal("missing crash event")
		}
	}
	assert.Equal(t, 3, crashes)
}

func TestSupervisor_IntensityCapSlowsButNeverStops(t *testing.T) {
	sup := NewSupervisor(nil, IntensityCap{MaxRestarts: 2, Window: time.Minute})
	sup.boCfg = backoffConfig{init: time.Millisecond, max: time.Millisecond, factor: 1.0, jitter: 0}

	// Fails well past the intensity cap, then exits cleanly: the
	// supervisor must ride out the crash loop rather than give up.
	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Supervise(context.Background(), "flappy", func(ctx context.Context) error {
			if runs.Add(1) >= 8 {
				return nil
			}
			return errors.New("always fails")
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervision never completed")
	}
	assert.Equal(t, int64(8), runs.Load(), "restarts continue past the intensity cap")
}

func TestSupervisor_StopsOnContextCancel(t *testing.T) {
	sup := NewSupervisor(nil, IntensityCap{MaxRestarts: 1000, Window: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Supervise(ctx, "longrunner", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not observe cancellation")
	}
}
