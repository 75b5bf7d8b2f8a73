// gatewayd is the HTTP ingress process: admission pipeline, capability
// verification, name/cid resolution, and the CAS fetch path.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/rustyonions/overlay/internal/admission"
	"github.com/rustyonions/overlay/internal/config"
	"github.com/rustyonions/overlay/internal/dht"
	"github.com/rustyonions/overlay/internal/gateway"
	"github.com/rustyonions/overlay/internal/index"
	"github.com/rustyonions/overlay/internal/kernel"
	"github.com/rustyonions/overlay/internal/naming"
	"github.com/rustyonions/overlay/internal/overlay"
	"github.com/rustyonions/overlay/internal/passport"
	"github.com/rustyonions/overlay/internal/registry"
	"github.com/rustyonions/overlay/internal/storage"
)

// redisAdapter narrows go-redis to the index package's RedisClient.
type redisAdapter struct {
	c *redis.Client
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return r.c.Get(ctx, key).Bytes()
}

// emptyProviders serves resolutions when no DHT plane is attached: an
// empty list is returned as-is, never a stub.
type emptyProviders struct{}

func (emptyProviders) Providers(ctx context.Context, cid naming.ContentID, limit int) ([]dht.ProviderRecord, bool, error) {
	return nil, false, nil
}

func main() {
	cfg := config.Get()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := kernel.GlobalMetrics()
	amnesia := kernel.NewAmnesia(cfg.Amnesia.On)
	amnesia.Set(cfg.Amnesia.On, metrics)

	ready := kernel.NewReadiness(kernel.GateConfig, kernel.GateStorage, kernel.GateIndex, kernel.GateGateway)
	ready.Set(kernel.GateConfig, true)

	var store storage.Store
	if amnesia.Get() || cfg.Storage.Engine == "mem" {
		store = storage.NewMemStore(cfg.Storage.MaxObjectBytes)
	} else {
		fs, err := storage.NewFileStore(cfg.Storage.DataDir, cfg.Storage.MaxObjectBytes)
		if err != nil {
			log.Fatalf("storage init failed: %v", err)
		}
		store = fs
	}
	ready.Set(kernel.GateStorage, true)

	names, err := buildNameStore(ctx, cfg)
	if err != nil {
		log.Fatalf("index init failed: %v", err)
	}
	resolver := index.NewResolver(names, emptyProviders{}, cfg.Index.CacheTTL(), cfg.Index.ProviderLimit)
	if cfg.Index.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Index.RedisAddr})
		resolver = resolver.WithSharedCache(index.NewRedisResolutionCache(&redisAdapter{c: rc}, "", cfg.Index.CacheTTL()))
	}
	ready.Set(kernel.GateIndex, true)

	gate := admission.NewReadyGate(cfg.Readiness.MaxInflightThreshold, cfg.Readiness.ErrorRatePct, cfg.Readiness.HoldFor())
	gate.OnRecovered(func() { metrics.SetReady(true) })

	pipeline := admission.NewPipeline(admission.Config{
		RequestTimeout: cfg.Admission.RequestTimeout(),
		MaxInflight:    int64(cfg.Admission.MaxInflight),
		RPS:            cfg.Admission.RPS,
		Burst:          cfg.Admission.Burst,
		MaxBodyBytes:   cfg.Admission.MaxBodyBytes,
	}, gate)

	// Capability verification: wired when a root key is provided.
	if root := os.Getenv("RO_MAC_ROOT_KEY"); root != "" {
		keys := passport.NewKeyring(0)
		if err := keys.Register("k1", []byte(root)); err != nil {
			log.Fatalf("keyring init failed: %v", err)
		}
		verifier := passport.NewVerifier(passport.VerifierConfig{
			MaxTokenBytes: cfg.Auth.MaxTokenBytes,
			MaxCaveats:    cfg.Auth.MaxCaveats,
			ClockSkew:     time.Duration(cfg.Auth.ClockSkewSecs) * time.Second,
			SoaThreshold:  cfg.Auth.SoaThreshold,
		}, keys)
		pipeline.Auth = bearerAuth(verifier)
	}

	reg := registry.New()
	gossip := overlay.NewWSGossip(nil)

	gw := gateway.New(gateway.Config{
		SeedToken: cfg.Index.SeedToken,
		Version: gateway.VersionInfo{
			Service: "gatewayd",
			Version: "0.6.0",
			Schema:  "oap/1",
		},
	}, store, resolver, ready, gate, pipeline).
		WithRegistry(reg).
		WithGossip(gossip)

	// Relay registry commits to gossip subscribers.
	commits, cancel := reg.Subscribe()
	defer cancel()
	go func() {
		for head := range commits {
			gossip.Broadcast(overlay.GossipNote{Kind: "commit", CID: string(head.PayloadB3)})
		}
	}()

	slog.Info("gatewayd up", "bind", cfg.Server.BindAddr, "amnesia", amnesia.Get())
	if err := gw.Serve(ctx, cfg.Server.BindAddr); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway failed: %v", err)
	}
}

func buildNameStore(ctx context.Context, cfg *config.Config) (index.NameStore, error) {
	if cfg.Index.Backend == "postgres" && cfg.Index.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.Index.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return index.NewPGNameStore(ctx, db)
	}
	return index.NewMemNameStore(), nil
}

// bearerAuth adapts a passport verifier into the admission AuthFunc:
// requests without a bearer token pass through (policy decides), tokens
// that fail verification are rejected.
func bearerAuth(v *passport.Verifier) admission.AuthFunc {
	return func(r *http.Request) error {
		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
			return nil
		}
		token := h[len(prefix):]
		decision := v.VerifyToken(token, passport.RequestCtx{
			Now:    time.Now(),
			Method: r.Method,
			Path:   r.URL.Path,
			Tenant: r.Header.Get("X-Tenant-ID"),
		})
		if !decision.Allowed {
			return admissionDenied(decision)
		}
		return nil
	}
}

type denyError struct{ reasons []passport.DenyReason }

func (e *denyError) Error() string {
	if len(e.reasons) == 0 {
		return "capability denied"
	}
	return "capability denied: " + string(e.reasons[0])
}

func admissionDenied(d passport.Decision) error { return &denyError{reasons: d.Reasons} }
