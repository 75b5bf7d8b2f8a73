package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant override sections. Only the admission
// and auth envelopes are overridable per tenant; everything else is a
// process-wide property (a tenant cannot resize the frame cap or move
// the data dir).
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// TenantOverride is the subset of Config a tenant may override. Any
// non-zero field replaces the global value, whether it is stricter or
// looser.
type TenantOverride struct {
	Admission AdmissionConfig `yaml:"admission"`
	Auth      AuthConfig      `yaml:"auth"`
}

// Manager resolves the effective config for a tenant by merging its
// overrides onto the global snapshot.
type Manager struct {
	mu              sync.RWMutex
	globalConfig    *Config
	tenantOverrides map[string]TenantOverride
}

// NewManager loads the master config plus an optional tenants file. A
// missing tenants file just means no overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyDefaults()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantOverrides: make(map[string]TenantOverride)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Tenants == nil {
		tc.Tenants = make(map[string]TenantOverride)
	}

	return &Manager{globalConfig: master, tenantOverrides: tc.Tenants}, nil
}

// Get returns the effective config for a tenant: a copy of the global
// snapshot with the tenant's overrides merged in. The returned value is
// the caller's to keep — the stored snapshot is never mutated.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig
	override, ok := m.tenantOverrides[tenantID]
	if !ok {
		return &effective
	}

	if override.Admission.RPS != 0 {
		effective.Admission.RPS = override.Admission.RPS
	}
	if override.Admission.Burst != 0 {
		effective.Admission.Burst = override.Admission.Burst
	}
	if override.Admission.MaxInflight != 0 {
		effective.Admission.MaxInflight = override.Admission.MaxInflight
	}
	if override.Admission.MaxBodyBytes != 0 {
		effective.Admission.MaxBodyBytes = override.Admission.MaxBodyBytes
	}
	if override.Admission.RequestTimeoutMs != 0 {
		effective.Admission.RequestTimeoutMs = override.Admission.RequestTimeoutMs
	}

	if override.Auth.MaxTokenBytes != 0 {
		effective.Auth.MaxTokenBytes = override.Auth.MaxTokenBytes
	}
	if override.Auth.MaxCaveats != 0 {
		effective.Auth.MaxCaveats = override.Auth.MaxCaveats
	}
	if override.Auth.ClockSkewSecs != 0 {
		effective.Auth.ClockSkewSecs = override.Auth.ClockSkewSecs
	}

	return &effective
}
