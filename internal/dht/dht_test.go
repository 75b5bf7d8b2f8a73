package dht

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyonions/overlay/internal/naming"
)

func idWithFirstByte(b byte) NodeID {
	var id NodeID
	id[0] = b
	id[31] = 1 // keep distinct from the zero id
	return id
}

func TestNodeID_DistanceAndLeadingZeros(t *testing.T) {
	a := NodeIDFromPubKey([]byte("node-a"))
	b := NodeIDFromPubKey([]byte("node-b"))

	assert.Equal(t, NodeID{}, a.Distance(a), "distance to self is zero")
	assert.Equal(t, a.Distance(b), b.Distance(a), "xor is symmetric")
	assert.Equal(t, 256, NodeID{}.LeadingZeros())

	var top NodeID
	top[0] = 0x80
	assert.Equal(t, 0, top.LeadingZeros())

	var mid NodeID
	mid[1] = 0x01
	assert.Equal(t, 15, mid.LeadingZeros())
}

func TestParseNodeID(t *testing.T) {
	orig := NodeIDFromPubKey([]byte("x"))
	parsed, err := ParseNodeID(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)

	_, err = ParseNodeID("abc")
	assert.ErrorIs(t, err, ErrBadNodeID)
	_, err = ParseNodeID(orig.String()[:63] + "z")
	assert.ErrorIs(t, err, ErrBadNodeID)
}

func TestKBucket_LRUEviction(t *testing.T) {
	b := newKBucket(3)
	for i := byte(1); i <= 3; i++ {
		b.touch(Peer{ID: idWithFirstByte(i), Addr: fmt.Sprintf("p%d", i)})
	}
	require.Equal(t, 3, b.len())

	// Refresh the oldest so it survives the next insert.
	b.touch(Peer{ID: idWithFirstByte(1), Addr: "p1"})
	b.touch(Peer{ID: idWithFirstByte(4), Addr: "p4"})

	snap := b.snapshot()
	require.Len(t, snap, 3)
	ids := []byte{snap[0].ID[0], snap[1].ID[0], snap[2].ID[0]}
	assert.NotContains(t, ids, byte(2), "least-recently-seen entry must be evicted")
	assert.Contains(t, ids, byte(1))
	assert.Contains(t, ids, byte(4))
}

func TestRoutingTable_ClosestOrdering(t *testing.T) {
	self := NodeIDFromPubKey([]byte("self"))
	table := NewRoutingTable(self, 20)

	var peers []Peer
	for i := 0; i < 40; i++ {
		p := Peer{ID: NodeIDFromPubKey([]byte(fmt.Sprintf("peer-%d", i))), Addr: fmt.Sprintf("addr-%d", i)}
		peers = append(peers, p)
		table.Observe(p)
	}
	assert.Equal(t, 40, table.Size())

	target := NodeIDFromPubKey([]byte("target"))
	closest := table.Closest(target, 10)
	require.Len(t, closest, 10)
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].ID.Distance(target)
		cur := closest[i].ID.Distance(target)
		assert.False(t, cur.Less(prev), "closest list must be distance-ordered at %d", i)
	}

	// Observing self is a no-op.
	table.Observe(Peer{ID: self})
	assert.Equal(t, 40, table.Size())
	_ = peers
}

func TestLookup_ConvergesOnFakeNetwork(t *testing.T) {
	self := NodeIDFromPubKey([]byte("self"))
	target := NodeIDFromPubKey([]byte("the-target"))

	// Build a 64-node network; every node knows every other node, so
	// one round should hand the lookup the true closest set.
	var network []Peer
	for i := 0; i < 64; i++ {
		network = append(network, Peer{ID: NodeIDFromPubKey([]byte(fmt.Sprintf("n%d", i))), Addr: fmt.Sprintf("n%d", i)})
	}

	table := NewRoutingTable(self, 20)
	for _, p := range network[:5] {
		table.Observe(p)
	}

	var queries atomic.Int64
	query := func(ctx context.Context, peer Peer, tgt NodeID) ([]Peer, error) {
		queries.Add(1)
		return network, nil
	}

	cfg := DefaultLookupConfig()
	cfg.LegBudget = 200 * time.Millisecond
	l, err := NewLookup(table, query, cfg)
	require.NoError(t, err)

	res, err := l.Run(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Greater(t, queries.Load(), int64(0))
	require.NotEmpty(t, res.Closest)
	assert.LessOrEqual(t, len(res.Closest), cfg.K)

	// The winner must be the network-wide closest node.
	best := network[0]
	for _, p := range network {
		if p.ID.Distance(target).Less(best.ID.Distance(target)) {
			best = p
		}
	}
	assert.Equal(t, best.ID, res.Closest[0].ID)
}

func TestLookup_LegFailuresDoNotFailLookup(t *testing.T) {
	self := NodeIDFromPubKey([]byte("self"))
	target := NodeIDFromPubKey([]byte("t"))

	table := NewRoutingTable(self, 20)
	good := Peer{ID: NodeIDFromPubKey([]byte("good")), Addr: "good"}
	bad := Peer{ID: NodeIDFromPubKey([]byte("bad")), Addr: "bad"}
	table.Observe(good)
	table.Observe(bad)

	query := func(ctx context.Context, peer Peer, tgt NodeID) ([]Peer, error) {
		if peer.Addr == "bad" {
			return nil, errors.New("connection refused")
		}
		return []Peer{good}, nil
	}

	cfg := DefaultLookupConfig()
	cfg.Beta = 0
	cfg.LegBudget = 100 * time.Millisecond
	l, err := NewLookup(table, query, cfg)
	require.NoError(t, err)

	res, err := l.Run(context.Background(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Closest)
}

func TestLookup_HopBudgetExhaustionTruncates(t *testing.T) {
	self := NodeIDFromPubKey([]byte("self"))
	target := NodeIDFromPubKey([]byte("t"))

	// closerTo(i) flips target's i-th bit: higher i = strictly closer,
	// so every round discovers a closer candidate and the lookup only
	// stops when the hop budget runs out.
	closerTo := func(i int) Peer {
		id := target
		id[i/8] ^= 1 << uint(7-i%8)
		return Peer{ID: id, Addr: fmt.Sprintf("hop-%d", i)}
	}

	table := NewRoutingTable(self, 20)
	table.Observe(closerTo(0))

	var round atomic.Int64
	query := func(ctx context.Context, peer Peer, tgt NodeID) ([]Peer, error) {
		return []Peer{closerTo(int(round.Add(1)))}, nil
	}

	cfg := DefaultLookupConfig()
	cfg.Alpha = 1
	cfg.Beta = 0
	cfg.HopBudget = 2
	cfg.LegBudget = 100 * time.Millisecond
	l, err := NewLookup(table, query, cfg)
	require.NoError(t, err)

	start := time.Now()
	res, err := l.Run(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, res.Truncated, "budget exhaustion must report a truncated result")
	assert.Equal(t, 2, res.Hops)
	// Bounded by leg_budget × hop_budget plus slack.
	assert.Less(t, time.Since(start), time.Second)
}

func TestLookup_DeadlineStopsEarly(t *testing.T) {
	self := NodeIDFromPubKey([]byte("self"))
	table := NewRoutingTable(self, 20)
	table.Observe(Peer{ID: NodeIDFromPubKey([]byte("p")), Addr: "p"})

	query := func(ctx context.Context, peer Peer, tgt NodeID) ([]Peer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	cfg := DefaultLookupConfig()
	cfg.Beta = 0
	cfg.LegBudget = 50 * time.Millisecond
	l, err := NewLookup(table, query, cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Run(context.Background(), NodeIDFromPubKey([]byte("t")))
	require.NoError(t, err, "leg timeouts never fail the lookup")
	assert.Less(t, time.Since(start), time.Second)
}

func TestLookupConfig_Validate(t *testing.T) {
	bad := []LookupConfig{
		{Alpha: 0, Beta: 1, HopBudget: 6, LegBudget: time.Second, K: 20},
		{Alpha: 17, Beta: 1, HopBudget: 6, LegBudget: time.Second, K: 20},
		{Alpha: 3, Beta: 5, HopBudget: 6, LegBudget: time.Second, K: 20},
		{Alpha: 3, Beta: -1, HopBudget: 6, LegBudget: time.Second, K: 20},
		{Alpha: 3, Beta: 1, HopBudget: 0, LegBudget: time.Second, K: 20},
		{Alpha: 3, Beta: 1, HopBudget: 65, LegBudget: time.Second, K: 20},
		{Alpha: 3, Beta: 1, HopBudget: 6, LegBudget: 0, K: 20},
	}
	for i, cfg := range bad {
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
	assert.NoError(t, DefaultLookupConfig().Validate())
}

func TestProviderStore_TTLAndSyntheticFilter(t *testing.T) {
	s := NewProviderStore(time.Hour)
	cid := naming.NewContentID([]byte("obj"))

	s.Add(ProviderRecord{NodeURI: "node://a", CID: cid, Score: 0.9})
	s.Add(ProviderRecord{NodeURI: "node://b", CID: cid, Score: 0.5})
	s.Add(ProviderRecord{NodeURI: "local://self", CID: cid, Score: 1.0, Synthetic: true})
	s.Add(ProviderRecord{NodeURI: "node://stale", CID: cid, Score: 0.7, TTL: time.Nanosecond})

	time.Sleep(time.Millisecond)

	out, truncated := s.Get(cid, 5)
	require.Len(t, out, 2, "synthetic and expired records filtered")
	assert.False(t, truncated)
	assert.Equal(t, "node://a", out[0].NodeURI, "ranked by score descending")
	assert.Equal(t, "node://b", out[1].NodeURI)

	// Local view still sees the synthetic record.
	local := s.GetLocal(cid, 5)
	assert.Len(t, local, 3)

	// Clamping sets truncated truthfully.
	out, truncated = s.Get(cid, 1)
	assert.Len(t, out, 1)
	assert.True(t, truncated)
}

func TestTargetForCID_Deterministic(t *testing.T) {
	cid := naming.NewContentID([]byte("obj"))
	assert.Equal(t, TargetForCID(cid), TargetForCID(cid))
	assert.NotEqual(t, TargetForCID(cid), TargetForCID(naming.NewContentID([]byte("other"))))
}

func TestDiscovery_MergesLocalAndLookup(t *testing.T) {
	cid := naming.NewContentID([]byte("obj"))
	store := NewProviderStore(time.Hour)
	store.Add(ProviderRecord{NodeURI: "node://local", CID: cid, Score: 2.0})
	store.Add(ProviderRecord{NodeURI: "local://self", CID: cid, Score: 9.0, Synthetic: true})

	self := NodeIDFromPubKey([]byte("self"))
	table := NewRoutingTable(self, 20)
	remote := Peer{ID: NodeIDFromPubKey([]byte("remote")), Addr: "10.0.0.2:9443"}
	table.Observe(remote)

	query := func(ctx context.Context, peer Peer, tgt NodeID) ([]Peer, error) {
		return []Peer{remote}, nil
	}
	cfg := DefaultLookupConfig()
	cfg.Beta = 0
	cfg.LegBudget = 100 * time.Millisecond
	lookup, err := NewLookup(table, query, cfg)
	require.NoError(t, err)

	d := NewDiscovery(store, lookup)
	out, truncated, err := d.Providers(context.Background(), cid, 5)
	require.NoError(t, err)
	assert.False(t, truncated)

	uris := make([]string, len(out))
	for i, r := range out {
		uris[i] = r.NodeURI
	}
	assert.Contains(t, uris, "node://local")
	assert.Contains(t, uris, "node://10.0.0.2:9443")
	assert.NotContains(t, uris, "local://self", "synthetic records stay local")
	assert.Equal(t, "node://local", out[0].NodeURI, "cached records outrank discovered peers")
}

func TestDiscovery_FallsBackToLocalOnLookupFailure(t *testing.T) {
	cid := naming.NewContentID([]byte("obj"))
	store := NewProviderStore(time.Hour)
	store.Add(ProviderRecord{NodeURI: "node://local", CID: cid, Score: 1.0})

	// Empty routing table: Run errors, Providers must still answer.
	table := NewRoutingTable(NodeIDFromPubKey([]byte("self")), 20)
	lookup, err := NewLookup(table, func(ctx context.Context, p Peer, tgt NodeID) ([]Peer, error) {
		return nil, errors.New("unreachable")
	}, DefaultLookupConfig())
	require.NoError(t, err)

	d := NewDiscovery(store, lookup)
	out, _, err := d.Providers(context.Background(), cid, 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "node://local", out[0].NodeURI)
}

func TestProviderStore_RefreshSameNode(t *testing.T) {
	s := NewProviderStore(time.Hour)
	cid := naming.NewContentID([]byte("obj"))

	s.Add(ProviderRecord{NodeURI: "node://a", CID: cid, Score: 0.1})
	s.Add(ProviderRecord{NodeURI: "node://a", CID: cid, Score: 0.9})

	out, _ := s.Get(cid, 5)
	require.Len(t, out, 1, "same node refreshes in place")
	assert.Equal(t, 0.9, out[0].Score)
}
