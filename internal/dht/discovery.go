package dht

import (
	"context"
	"sort"
	"time"

	"github.com/rustyonions/overlay/internal/naming"
	"github.com/zeebo/blake3"
)

// TargetForCID maps a content id into the node-id keyspace so provider
// lookups and peer identities share one XOR metric.
func TargetForCID(cid naming.ContentID) NodeID {
	return NodeID(blake3.Sum256([]byte(cid)))
}

// Discovery is the provider source the index resolver consumes: local
// TTL-cached records merged with peers discovered by an iterative lookup
// toward the content id's point in the keyspace. A nil lookup (or a
// lookup that fails — empty table, all legs dead) degrades to local
// knowledge only; resolution never fails because the network is quiet.
type Discovery struct {
	store  *ProviderStore
	lookup *Lookup
}

func NewDiscovery(store *ProviderStore, lookup *Lookup) *Discovery {
	return &Discovery{store: store, lookup: lookup}
}

// Providers returns up to limit providers for cid, ranked by score
// descending, with truncated set truthfully when the list was clamped
// or the lookup stopped on budget.
func (d *Discovery) Providers(ctx context.Context, cid naming.ContentID, limit int) ([]ProviderRecord, bool, error) {
	local, truncated := d.store.Get(cid, limit)
	if d.lookup == nil {
		return local, truncated, nil
	}

	res, err := d.lookup.Run(ctx, TargetForCID(cid))
	if err != nil {
		return local, truncated, nil
	}

	seen := make(map[string]bool, len(local))
	out := append([]ProviderRecord(nil), local...)
	for _, rec := range local {
		seen[rec.NodeURI] = true
	}
	now := time.Now()
	for i, p := range res.Closest {
		uri := "node://" + p.Addr
		if seen[uri] {
			continue
		}
		seen[uri] = true
		// Rank-derived score: the closest discovered peer scores just
		// below a locally cached record.
		out = append(out, ProviderRecord{
			NodeURI:    uri,
			CID:        cid,
			Score:      1.0 / float64(i+2),
			InsertedAt: now,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return out, truncated || res.Truncated, nil
}
