// overlayd is the node process: kernel substrate, storage engine, index,
// DHT, overlay listener, registry, and the internal IPC socket, composed
// from the immutable config snapshot.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rustyonions/overlay/internal/config"
	"github.com/rustyonions/overlay/internal/dht"
	"github.com/rustyonions/overlay/internal/index"
	"github.com/rustyonions/overlay/internal/ipc"
	"github.com/rustyonions/overlay/internal/kernel"
	"github.com/rustyonions/overlay/internal/oap"
	"github.com/rustyonions/overlay/internal/overlay"
	"github.com/rustyonions/overlay/internal/registry"
	"github.com/rustyonions/overlay/internal/storage"
)

// storageSink commits completed OAP streams into the CAS engine.
type storageSink struct {
	store storage.Store
	prov  *dht.ProviderStore
	self  string
}

func (s *storageSink) Commit(ctx context.Context, appProtoID uint16, tenant oap.TenantID, topic string, data []byte) (oap.StatusCode, error) {
	res, err := s.store.Put(ctx, bytes.NewReader(data))
	if err != nil {
		if err == storage.ErrPayloadTooLarge {
			return oap.StatusPayloadTooLarge, err
		}
		return oap.StatusInternal, err
	}
	// Advertise ourselves as a provider for freshly ingested content.
	// The record is marked synthetic and nothing clears the flag, so
	// ProviderStore.Get filters it out and it never reaches a client.
	s.prov.Add(dht.ProviderRecord{NodeURI: s.self, CID: res.CID, Score: 1.0, Synthetic: true})
	return oap.StatusOK, nil
}

func main() {
	cfg := config.Get()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := kernel.GlobalMetrics()
	amnesia := kernel.NewAmnesia(cfg.Amnesia.On)
	amnesia.Set(cfg.Amnesia.On, metrics)

	bus := kernel.NewBus(1024)
	health := kernel.NewHealthState()
	health.Set(func(s *kernel.HealthSnapshot) {
		s.ConfigLoaded = true
		s.ServicesOK = true
		s.Amnesia = amnesia.Get()
	})

	ready := kernel.NewReadiness(
		kernel.GateConfig, kernel.GateStorage, kernel.GateIndex,
		kernel.GateOverlay, kernel.GateDHT,
	)
	ready.Set(kernel.GateConfig, true)

	store, err := buildStore(cfg, amnesia)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	ready.Set(kernel.GateStorage, true)

	providers := dht.NewProviderStore(0)

	selfID := dht.NodeIDFromPubKey([]byte(cfg.Server.BindAddr))
	table := dht.NewRoutingTable(selfID, cfg.DHT.K)
	lookup, err := dht.NewLookup(table, overlay.FindNodeQuerier(), dht.LookupConfig{
		Alpha:     cfg.DHT.Alpha,
		Beta:      cfg.DHT.Beta,
		HopBudget: cfg.DHT.HopBudget,
		LegBudget: cfg.DHT.LegBudget(),
		Stagger:   cfg.DHT.Stagger(),
		K:         cfg.DHT.K,
	})
	if err != nil {
		log.Fatalf("dht lookup config invalid: %v", err)
	}

	names := index.NewMemNameStore()
	resolver := index.NewResolver(names, dht.NewDiscovery(providers, lookup), cfg.Index.CacheTTL(), cfg.Index.ProviderLimit)
	ready.Set(kernel.GateIndex, true)

	reg := registry.New()

	sup := kernel.NewSupervisor(bus, kernel.IntensityCap{})

	// Overlay listener.
	sink := &storageSink{store: store, prov: providers, self: "node://" + cfg.Server.BindAddr}
	listener := overlay.NewListener(overlay.ListenerConfig{
		MaxConns: cfg.Server.MaxConns,
		Conn: oap.ConnConfig{
			AckWindow:              cfg.OAP.AckWindowBytes,
			MaxFramesPerStream:     cfg.OAP.MaxFramesPerStream,
			MaxTotalBytesPerStream: int64(cfg.OAP.MaxTotalBytesPerStream),
			IdleTimeout:            cfg.OAP.IdleTimeout(),
			ReadTimeout:            cfg.OAP.ReadTimeout(),
		},
	}, sink, nil).WithRequestHandler(overlay.FindNodeResponder(table, cfg.DHT.K))

	go sup.Supervise(ctx, "overlay-listener", func(ctx context.Context) error {
		ln, err := net.Listen("tcp", cfg.Server.BindAddr)
		if err != nil {
			return err
		}
		return listener.Run(ctx, ln, ready)
	})

	// DHT bootstrap: dial seeds until min-fill, then flip the gate.
	go sup.Supervise(ctx, "dht-bootstrap", func(ctx context.Context) error {
		return dht.Bootstrap(ctx, table, cfg.DHT.Seeds, func(ctx context.Context, addr string) (dht.Peer, error) {
			pc, err := overlay.Dial(ctx, addr)
			if err != nil {
				return dht.Peer{}, err
			}
			pc.Close()
			return dht.Peer{ID: dht.NodeIDFromPubKey([]byte(addr)), Addr: addr}, nil
		}, ready)
	})

	// Internal IPC socket: resolution and registry head, for sibling
	// services on the same host.
	ipcSrv := ipc.NewServer()
	ipcSrv.Handle("index", "resolve", func(ctx context.Context, env *ipc.Envelope) (int, []byte) {
		var req struct {
			Key   string `json:"key"`
			Fresh bool   `json:"fresh"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return 400, nil
		}
		res, err := resolver.Resolve(ctx, req.Key, req.Fresh, 0)
		if err != nil {
			return 404, nil
		}
		out, _ := json.Marshal(res)
		return 200, out
	})
	ipcSrv.Handle("registry", "head", func(ctx context.Context, env *ipc.Envelope) (int, []byte) {
		head, err := reg.Head()
		if err != nil {
			return 404, nil
		}
		out, _ := json.Marshal(head)
		return 200, out
	})
	go sup.Supervise(ctx, "ipc", func(ctx context.Context) error {
		return ipcSrv.Listen(ctx, "/tmp/rustyonions-overlayd.sock")
	})

	// Bus watcher: track coarse health from crash events; a Shutdown
	// event is final.
	sub := bus.Subscribe()
	go func() {
		for evt := range sub.Events {
			switch evt.Kind {
			case kernel.EventServiceCrashed:
				health.Set(func(s *kernel.HealthSnapshot) { s.ServicesOK = false })
			case kernel.EventHealth:
				if evt.Healthy {
					health.Set(func(s *kernel.HealthSnapshot) { s.ServicesOK = true })
				}
			case kernel.EventShutdown:
				stop()
				return
			}
		}
	}()
	ipcSrv.Handle("kernel", "health", func(ctx context.Context, env *ipc.Envelope) (int, []byte) {
		out, _ := json.Marshal(health.Snapshot())
		return 200, out
	})

	slog.Info("overlayd up", "bind", cfg.Server.BindAddr, "amnesia", amnesia.Get())
	<-ctx.Done()
	bus.Publish(kernel.ShutdownEvent("signal"))
	slog.Info("overlayd shutting down")
}

func buildStore(cfg *config.Config, amnesia *kernel.Amnesia) (storage.Store, error) {
	// Amnesia posture forces the RAM backend whatever the engine says.
	if amnesia.Get() || cfg.Storage.Engine == "mem" {
		return storage.NewMemStore(cfg.Storage.MaxObjectBytes), nil
	}
	return storage.NewFileStore(cfg.Storage.DataDir, cfg.Storage.MaxObjectBytes)
}
