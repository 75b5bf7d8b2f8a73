// Package gateway is the HTTP ingress: object fetch and ingest routed
// through the admission pipeline, plus the operational endpoints
// (healthz/readyz/metrics/version, registry stream, gossip relay).
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustyonions/overlay/internal/admission"
	"github.com/rustyonions/overlay/internal/index"
	"github.com/rustyonions/overlay/internal/kernel"
	"github.com/rustyonions/overlay/internal/registry"
	"github.com/rustyonions/overlay/internal/storage"
)

// VersionInfo is served at /version.
type VersionInfo struct {
	Service      string   `json:"service"`
	Version      string   `json:"version"`
	Commit       string   `json:"commit"`
	Schema       string   `json:"schema"`
	Deprecations []string `json:"deprecations"`
}

// Config carries the gateway's own knobs; admission tunables live in
// admission.Config.
type Config struct {
	SeedToken string
	Version   VersionInfo
}

// Gateway composes the admission pipeline with the resolution and
// storage planes.
type Gateway struct {
	cfg      Config
	store    storage.Store
	resolver *index.Resolver
	ready    *kernel.Readiness
	gate     *admission.ReadyGate
	pipeline *admission.Pipeline
	registry *registry.Registry
	gossip   http.Handler
}

func New(cfg Config, store storage.Store, resolver *index.Resolver, ready *kernel.Readiness, gate *admission.ReadyGate, pipeline *admission.Pipeline) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		ready:    ready,
		gate:     gate,
		pipeline: pipeline,
	}
}

// WithRegistry mounts the registry SSE stream at /registry/stream.
func (g *Gateway) WithRegistry(reg *registry.Registry) *Gateway {
	g.registry = reg
	return g
}

// WithGossip mounts a websocket gossip relay at /gossip.
func (g *Gateway) WithGossip(h http.Handler) *Gateway {
	g.gossip = h
	return g
}

// Router builds the full route table. Operational endpoints bypass the
// admission pipeline — /healthz must answer even when the gate is
// tripped, and /metrics must not consume rate-limit tokens.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", g.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(kernel.GlobalMetrics().Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/version", g.handleVersion).Methods(http.MethodGet)

	if g.registry != nil {
		r.Handle("/registry/stream", registry.NewSSEHandler(g.registry, 15*time.Second)).Methods(http.MethodGet)
		r.HandleFunc("/registry/head", g.handleRegistryHead).Methods(http.MethodGet)
	}
	if g.gossip != nil {
		r.Handle("/gossip", g.gossip).Methods(http.MethodGet)
	}

	admitted := r.PathPrefix("/").Subrouter()
	admitted.HandleFunc("/o", g.handlePut).Methods(http.MethodPut)
	admitted.HandleFunc("/o/{addr:.+}", g.handleGet).Methods(http.MethodGet, http.MethodHead)
	admitted.HandleFunc("/admin/seed", g.handleAdminSeed).Methods(http.MethodPut)
	admitted.Use(g.pipeline.Wrap)

	return r
}

// Serve runs the gateway until ctx cancellation, then shuts the HTTP
// server down gracefully.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      g.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming bodies and SSE manage their own pace
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	// The trip/hold gate only flips if something evaluates its counters;
	// the sampler is that something.
	if g.gate != nil {
		go g.gate.RunSampler(ctx, time.Second)
	}

	if g.ready != nil {
		g.ready.Set(kernel.GateGateway, true)
	}

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if g.ready != nil {
			g.ready.Set(kernel.GateGateway, false)
		}
		return err
	}
}
