// Package config loads the immutable per-process configuration envelope:
// a struct-of-structs populated from YAML, then overridden
// by environment variables, exposed as a process-wide singleton. Reload is
// by constructing a new *Config and cutting over wholesale — never by
// mutating fields in place.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full envelope. Every section maps to one subsystem; a
// process only reads the sections its subsystems need.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAP       OAPConfig       `yaml:"oap"`
	Admission AdmissionConfig `yaml:"admission"`
	Storage   StorageConfig   `yaml:"storage"`
	DHT       DHTConfig       `yaml:"dht"`
	Auth      AuthConfig      `yaml:"auth"`
	Amnesia   AmnesiaConfig   `yaml:"amnesia"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Index     IndexConfig     `yaml:"index"`
}

type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

type ServerConfig struct {
	BindAddr        string    `yaml:"bind_addr"`
	MetricsAddr     string    `yaml:"metrics_addr"`
	MaxConns        int       `yaml:"max_conns"`
	ReadTimeoutSec  int       `yaml:"read_timeout_sec"`
	WriteTimeoutSec int       `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int       `yaml:"idle_timeout_sec"`
	TLS             TLSConfig `yaml:"tls"`
}

func (s ServerConfig) ReadTimeout() time.Duration  { return time.Duration(s.ReadTimeoutSec) * time.Second }
func (s ServerConfig) WriteTimeout() time.Duration { return time.Duration(s.WriteTimeoutSec) * time.Second }
func (s ServerConfig) IdleTimeout() time.Duration  { return time.Duration(s.IdleTimeoutSec) * time.Second }

type OAPConfig struct {
	MaxFrameBytes          int `yaml:"oap_max_frame"`
	AckWindowBytes         int `yaml:"ack_window_bytes"`
	MaxFramesPerStream     int `yaml:"max_frames_per_stream"`
	MaxTotalBytesPerStream int `yaml:"max_total_bytes_per_stream"`
	IdleTimeoutSec         int `yaml:"idle_timeout_sec"`
	ReadTimeoutSec         int `yaml:"read_timeout_sec"`
}

func (o OAPConfig) IdleTimeout() time.Duration { return time.Duration(o.IdleTimeoutSec) * time.Second }
func (o OAPConfig) ReadTimeout() time.Duration { return time.Duration(o.ReadTimeoutSec) * time.Second }

type AdmissionConfig struct {
	RPS              float64 `yaml:"rps"`
	Burst            int     `yaml:"burst"`
	MaxInflight      int     `yaml:"max_inflight"`
	MaxBodyBytes     int64   `yaml:"max_body_bytes"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
}

func (a AdmissionConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutMs) * time.Millisecond
}

type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	Engine         string `yaml:"engine"` // mem | file | sled
	MaxObjectBytes int64  `yaml:"max_object_bytes"`
}

type DHTConfig struct {
	Alpha       int      `yaml:"alpha"`
	Beta        int      `yaml:"beta"`
	HopBudget   int      `yaml:"hop_budget"`
	LegBudgetMs int      `yaml:"leg_budget_ms"`
	StaggerMs   int      `yaml:"stagger_ms"`
	Seeds       []string `yaml:"seeds"`
	K           int      `yaml:"k"`
}

func (d DHTConfig) LegBudget() time.Duration { return time.Duration(d.LegBudgetMs) * time.Millisecond }
func (d DHTConfig) Stagger() time.Duration   { return time.Duration(d.StaggerMs) * time.Millisecond }

type AuthConfig struct {
	MaxTokenBytes   int `yaml:"max_token_bytes"`
	MaxCaveats      int `yaml:"max_caveats"`
	ClockSkewSecs   int `yaml:"clock_skew_secs"`
	SoaThreshold    int `yaml:"soa_threshold"`
}

type AmnesiaConfig struct {
	On bool `yaml:"on"`
}

type ReadinessConfig struct {
	MaxInflightThreshold int     `yaml:"max_inflight_threshold"`
	ErrorRatePct         float64 `yaml:"error_rate_pct"`
	HoldForSecs          int     `yaml:"hold_for_secs"`
}

func (r ReadinessConfig) HoldFor() time.Duration { return time.Duration(r.HoldForSecs) * time.Second }

type IndexConfig struct {
	Backend       string `yaml:"backend"` // mem | postgres
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	CacheTTLSec   int    `yaml:"cache_ttl_sec"`
	ProviderLimit int    `yaml:"provider_limit"`
	SeedToken     string `yaml:"seed_token"`
}

func (i IndexConfig) CacheTTL() time.Duration { return time.Duration(i.CacheTTLSec) * time.Second }

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it on first use.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads a YAML config file from path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.BindAddr = getEnv("RO_BIND_ADDR", c.Server.BindAddr)
	c.Server.MetricsAddr = getEnv("RO_METRICS_ADDR", c.Server.MetricsAddr)
	if v := getEnvInt("RO_MAX_CONNS", 0); v > 0 {
		c.Server.MaxConns = v
	}
	c.Server.TLS.Enabled = getEnvBool("RO_TLS_ENABLED", c.Server.TLS.Enabled)
	c.Server.TLS.Cert = getEnv("RO_TLS_CERT", c.Server.TLS.Cert)
	c.Server.TLS.Key = getEnv("RO_TLS_KEY", c.Server.TLS.Key)

	if v := getEnvInt("RO_OAP_MAX_FRAME", 0); v > 0 {
		c.OAP.MaxFrameBytes = v
	}
	if v := getEnvInt("RO_ACK_WINDOW_BYTES", 0); v > 0 {
		c.OAP.AckWindowBytes = v
	}

	if v := getEnvFloat("RO_RPS", 0); v > 0 {
		c.Admission.RPS = v
	}
	if v := getEnvInt("RO_BURST", 0); v > 0 {
		c.Admission.Burst = v
	}
	if v := getEnvInt("RO_MAX_INFLIGHT", 0); v > 0 {
		c.Admission.MaxInflight = v
	}
	if v := getEnvInt("RO_MAX_BODY_BYTES", 0); v > 0 {
		c.Admission.MaxBodyBytes = int64(v)
	}

	c.Storage.DataDir = getEnv("RO_DATA_DIR", c.Storage.DataDir)
	c.Storage.Engine = getEnv("RO_STORAGE_ENGINE", c.Storage.Engine)

	if seeds := getEnv("RO_DHT_SEEDS", ""); seeds != "" {
		c.DHT.Seeds = splitCSV(seeds)
	}

	c.Amnesia.On = getEnvBool("RO_AMNESIA", c.Amnesia.On)

	c.Index.Backend = getEnv("RO_INDEX_BACKEND", c.Index.Backend)
	c.Index.PostgresDSN = getEnv("RO_INDEX_POSTGRES_DSN", c.Index.PostgresDSN)
	c.Index.RedisAddr = getEnv("RO_INDEX_REDIS_ADDR", c.Index.RedisAddr)
	c.Index.SeedToken = getEnv("RO_INDEX_SEED_TOKEN", c.Index.SeedToken)
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = ":9443"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9909"
	}
	if c.Server.MaxConns == 0 {
		c.Server.MaxConns = 4096
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}

	if c.OAP.MaxFrameBytes == 0 {
		c.OAP.MaxFrameBytes = 1 << 20
	}
	if c.OAP.AckWindowBytes == 0 {
		c.OAP.AckWindowBytes = 256 * 1024
	}
	if c.OAP.MaxFramesPerStream == 0 {
		c.OAP.MaxFramesPerStream = 4096
	}
	if c.OAP.MaxTotalBytesPerStream == 0 {
		c.OAP.MaxTotalBytesPerStream = 64 << 20
	}
	if c.OAP.IdleTimeoutSec == 0 {
		c.OAP.IdleTimeoutSec = 10
	}
	if c.OAP.ReadTimeoutSec == 0 {
		c.OAP.ReadTimeoutSec = 30
	}

	if c.Admission.RPS == 0 {
		c.Admission.RPS = 500
	}
	if c.Admission.Burst == 0 {
		c.Admission.Burst = 1000
	}
	if c.Admission.MaxInflight == 0 {
		c.Admission.MaxInflight = 512
	}
	if c.Admission.MaxBodyBytes == 0 {
		c.Admission.MaxBodyBytes = 1 << 20
	}
	if c.Admission.RequestTimeoutMs == 0 {
		c.Admission.RequestTimeoutMs = 5000
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = "mem"
	}
	if c.Storage.MaxObjectBytes == 0 {
		c.Storage.MaxObjectBytes = 64 << 20
	}

	if c.DHT.Alpha == 0 {
		c.DHT.Alpha = 3
	}
	if c.DHT.Beta == 0 {
		c.DHT.Beta = 1
	}
	if c.DHT.HopBudget == 0 {
		c.DHT.HopBudget = 6
	}
	if c.DHT.LegBudgetMs == 0 {
		c.DHT.LegBudgetMs = 800
	}
	if c.DHT.StaggerMs == 0 {
		c.DHT.StaggerMs = 120
	}
	if c.DHT.K == 0 {
		c.DHT.K = 20
	}

	if c.Auth.MaxTokenBytes == 0 {
		c.Auth.MaxTokenBytes = 4096
	}
	if c.Auth.MaxCaveats == 0 {
		c.Auth.MaxCaveats = 64
	}
	if c.Auth.ClockSkewSecs == 0 {
		c.Auth.ClockSkewSecs = 60
	}
	if c.Auth.SoaThreshold == 0 {
		c.Auth.SoaThreshold = 8
	}

	if c.Readiness.MaxInflightThreshold == 0 {
		c.Readiness.MaxInflightThreshold = c.Admission.MaxInflight
	}
	if c.Readiness.ErrorRatePct == 0 {
		c.Readiness.ErrorRatePct = 50
	}
	if c.Readiness.HoldForSecs == 0 {
		c.Readiness.HoldForSecs = 30
	}

	if c.Index.Backend == "" {
		c.Index.Backend = "mem"
	}
	if c.Index.CacheTTLSec == 0 {
		c.Index.CacheTTLSec = 30
	}
	if c.Index.ProviderLimit == 0 {
		c.Index.ProviderLimit = 5
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
