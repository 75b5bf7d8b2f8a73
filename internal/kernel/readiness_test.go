package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadiness_AllGatesRequired(t *testing.T) {
	r := NewReadiness(GateConfig, GateStorage, GateDHT)
	assert.False(t, r.Ready())
	assert.Equal(t, []string{GateConfig, GateStorage, GateDHT}, r.Missing())

	r.Set(GateConfig, true)
	r.Set(GateStorage, true)
	assert.False(t, r.Ready())
	assert.Equal(t, []string{GateDHT}, r.Missing())

	r.Set(GateDHT, true)
	assert.True(t, r.Ready())
	assert.Empty(t, r.Missing())

	// A gate can regress.
	r.Set(GateStorage, false)
	assert.False(t, r.Ready())
}

func TestReadiness_UnknownGateIgnored(t *testing.T) {
	r := NewReadiness(GateConfig)
	r.Set("not-a-gate", true)
	r.Set(GateConfig, true)

	snap := r.Snapshot()
	assert.True(t, snap.Ready)
	assert.Len(t, snap.Gates, 1)
}

func TestAmnesia_NeverAGate(t *testing.T) {
	// Amnesia toggling must not affect readiness: it is not a gate name
	// and the readiness tracker has no amnesia input at all.
	r := NewReadiness(GateConfig)
	r.Set(GateConfig, true)

	a := NewAmnesia(false)
	a.Set(true, nil)
	assert.True(t, r.Ready())
	assert.True(t, a.Get())

	a.Set(false, nil)
	assert.True(t, r.Ready())
}
