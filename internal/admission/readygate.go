package admission

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ReadyGate trips on sustained overload and holds the trip for a fixed
// window even if the underlying counters recover sooner, then emits one
// recovery transition. The trigger is inflight/error-rate thresholds
// rather than per-call failure counts, and there is no half-open
// probing — recovery is purely time-based.
type ReadyGate struct {
	maxInflightThreshold int
	errorRatePct         float64
	holdFor              time.Duration
	logger               *log.Logger

	inflight atomic.Int64
	requests atomic.Int64
	errors   atomic.Int64

	mu          sync.Mutex
	tripped     bool
	tripReason  string
	holdUntil   time.Time
	onRecovered func()
}

func NewReadyGate(maxInflightThreshold int, errorRatePct float64, holdFor time.Duration) *ReadyGate {
	return &ReadyGate{
		maxInflightThreshold: maxInflightThreshold,
		errorRatePct:         errorRatePct,
		holdFor:              holdFor,
		logger:               log.New(log.Writer(), "[readygate] ", log.LstdFlags),
	}
}

// OnRecovered registers a callback invoked exactly once when a trip's hold
// window expires (used to increment ready_state_changes_total{to="ready"}).
func (g *ReadyGate) OnRecovered(f func()) {
	g.mu.Lock()
	g.onRecovered = f
	g.mu.Unlock()
}

// BeginRequest marks a request as inflight; the caller must call the
// returned func exactly once on completion, reporting whether it failed.
func (g *ReadyGate) BeginRequest() (finish func(failed bool)) {
	g.inflight.Add(1)
	g.requests.Add(1)
	return func(failed bool) {
		g.inflight.Add(-1)
		if failed {
			g.errors.Add(1)
		}
	}
}

// RunSampler evaluates the trip thresholds on a fixed interval until ctx
// is canceled. Spawn once at serve time; the per-request path stays at
// plain atomic increments and the rolling evaluation happens here.
func (g *ReadyGate) RunSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Trip()
		}
	}
}

// Trip evaluates the current counters against the thresholds and trips
// the gate if either is breached. It is safe to call on every request or
// on a periodic sampler tick.
func (g *ReadyGate) Trip() {
	inflight := g.inflight.Load()
	requests := g.requests.Load()
	errs := g.errors.Load()

	overInflight := inflight > int64(g.maxInflightThreshold)
	overErrorRate := requests > 0 && (float64(errs)/float64(requests))*100 >= g.errorRatePct

	if !overInflight && !overErrorRate {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tripped {
		// Already tripped: the hold is a fixed window from the first
		// trip, so leave holdUntil alone.
		return
	}
	g.tripped = true
	g.holdUntil = time.Now().Add(g.holdFor)
	if overErrorRate {
		g.tripReason = "error_rate_ok"
	} else {
		g.tripReason = "inflight_ok"
	}
	g.logger.Printf("tripped: inflight=%d requests=%d errors=%d", inflight, requests, errs)
}

// Ready reports whether the gate currently permits /readyz == 200, and the
// missing-gate name to report when it does not.
func (g *ReadyGate) Ready() (ready bool, missing string, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.tripped {
		return true, "", 0
	}

	if time.Now().Before(g.holdUntil) {
		return false, g.tripReason, time.Until(g.holdUntil)
	}

	// Hold expired: recover once.
	g.tripped = false
	g.requests.Store(0)
	g.errors.Store(0)
	cb := g.onRecovered
	if cb != nil {
		go cb()
	}
	return true, "", 0
}
