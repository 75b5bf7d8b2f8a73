package dht

import (
	"context"
	"log/slog"
	"time"

	"github.com/rustyonions/overlay/internal/kernel"
)

// DialFunc dials a seed address and returns the peer that answered.
type DialFunc func(ctx context.Context, addr string) (Peer, error)

// Bootstrap dials seed peers with jittered backoff until the routing
// table reaches min-fill (one bucket at k entries), then flips the dht
// readiness gate. It runs until min-fill or ctx cancellation, so it is
// meant to be supervised as its own task.
func Bootstrap(ctx context.Context, table *RoutingTable, seeds []string, dial DialFunc, ready *kernel.Readiness) error {
	if len(seeds) == 0 {
		// Nothing to dial: the table fills from inbound discovery alone.
		// A single-node deployment is still "ready" — it just has no
		// remote providers to offer.
		slog.Warn("dht: no seeds configured, relying on inbound discovery")
		if ready != nil {
			ready.Set(kernel.GateDHT, true)
		}
		return nil
	}

	bo := kernel.NewBackoff(200*time.Millisecond, 10*time.Second, 2.0, 0.2)

	for {
		for _, addr := range seeds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			peer, err := dial(ctx, addr)
			if err != nil {
				slog.Debug("dht: seed dial failed", "seed", addr, "error", err)
				continue
			}
			table.Observe(peer)
		}

		if table.MinFilled() {
			slog.Info("dht: min-fill reached", "peers", table.Size())
			if ready != nil {
				ready.Set(kernel.GateDHT, true)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Next()):
		}
	}
}
