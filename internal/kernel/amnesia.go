package kernel

import "sync/atomic"

// Amnesia is a lock-free process-wide posture flag: when on, the node
// favors RAM-first storage and avoids durable writes where a caller permits
// it. It is observable (and exported as a gauge by Metrics) but it is never
// an input to Readiness — a node can be ready and amnesiac at once.
type Amnesia struct {
	on atomic.Bool
}

func NewAmnesia(initial bool) *Amnesia {
	a := &Amnesia{}
	a.on.Store(initial)
	return a
}

func (a *Amnesia) Get() bool { return a.on.Load() }

func (a *Amnesia) Set(on bool, m *Metrics) {
	a.on.Store(on)
	if m != nil {
		m.SetAmnesia(on)
	}
}
