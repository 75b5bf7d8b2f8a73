package kernel

import (
	"math/rand"
	"time"
)

// Backoff is jittered exponential backoff with a cap and a reset: delay
// grows monotonically toward max, and the returned sleep is
// delay*(1±U[-jitter,jitter]) clamped to [init, max].
type Backoff struct {
	current time.Duration
	init    time.Duration
	max     time.Duration
	factor  float64
	jitter  float64 // 0.2 => +/-20%
	rng     *rand.Rand
}

func NewBackoff(init, max time.Duration, factor, jitter float64) *Backoff {
	if init <= 0 {
		init = 100 * time.Millisecond
	}
	if max < init {
		max = init
	}
	if factor < 1.0 {
		factor = 1.0
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{
		current: init,
		init:    init,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to sleep for, and advances the internal counter
// toward max for the following call.
func (b *Backoff) Next() time.Duration {
	base := b.current

	nextSecs := base.Seconds() * b.factor
	if nextSecs > b.max.Seconds() {
		nextSecs = b.max.Seconds()
	}
	b.current = time.Duration(nextSecs * float64(time.Second))

	if b.jitter == 0 {
		return base
	}

	j := (b.rng.Float64()*2 - 1) * b.jitter // uniform in [-jitter, jitter]
	secs := base.Seconds() * (1 + j)
	if secs < b.init.Seconds() {
		secs = b.init.Seconds()
	}
	if secs > b.max.Seconds() {
		secs = b.max.Seconds()
	}
	return time.Duration(secs * float64(time.Second))
}

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.current = b.init
}
