package kernel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a supervised unit of work. It should run until ctx is canceled or
// it encounters an unrecoverable error, in which case it returns that error
// and the Supervisor restarts it after a backoff delay.
type Task func(ctx context.Context) error

// IntensityCap bounds how many restarts a task may accumulate within a
// sliding window before the Supervisor doubles its restart delay to
// slow a crash loop down.
type IntensityCap struct {
	MaxRestarts int
	Window      time.Duration
}

// Supervisor restarts named tasks with jittered exponential backoff: one
// goroutine per supervised unit, self-healing on crash, with a sliding
// intensity window that slows persistent crash loops down.
type Supervisor struct {
	bus   *Bus
	cap   IntensityCap
	boCfg backoffConfig

	mu     sync.Mutex
	crashT map[string][]time.Time
}

type backoffConfig struct {
	init, max     time.Duration
	factor, jitter float64
}

func NewSupervisor(bus *Bus, cap IntensityCap) *Supervisor {
	if cap.MaxRestarts <= 0 {
		cap.MaxRestarts = 10
	}
	if cap.Window <= 0 {
		cap.Window = time.Minute
	}
	return &Supervisor{
		bus:    bus,
		cap:    cap,
		boCfg:  backoffConfig{init: 100 * time.Millisecond, max: 30 * time.Second, factor: 2.0, jitter: 0.2},
		crashT: make(map[string][]time.Time),
	}
}

// Supervise runs task under restart supervision until ctx is canceled or
// the task exits cleanly. Crashes always restart: when the intensity cap
// is breached the restart is double-delayed rather than abandoned —
// stopping a service for good is an operator decision, not the
// supervisor's.
func (s *Supervisor) Supervise(ctx context.Context, name string, task Task) {
	bo := NewBackoff(s.boCfg.init, s.boCfg.max, s.boCfg.factor, s.boCfg.jitter)
	var restarts uint64

	for {
		err := task(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean exit: don't restart.
			return
		}

		restarts++
		GlobalMetrics().RestartsTotal.WithLabelValues(name).Inc()
		if s.bus != nil {
			s.bus.Publish(ServiceCrashedEvent(name, err.Error(), restarts))
		}

		delay := bo.Next()
		if s.overIntensity(name) {
			delay *= 2
			slog.Error("supervised task over restart intensity cap, slowing down", "task", name, "restarts", restarts, "error", err)
		} else {
			slog.Warn("supervised task crashed, restarting", "task", name, "restarts", restarts, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// overIntensity records a crash timestamp for name and reports whether it
// has exceeded MaxRestarts within the configured sliding Window.
func (s *Supervisor) overIntensity(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.cap.Window)
	ts := s.crashT[name]

	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.crashT[name] = kept

	return len(kept) > s.cap.MaxRestarts
}
