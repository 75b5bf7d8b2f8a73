package dht

import (
	"sort"
	"sync"
)

const numBuckets = NodeIDLen * 8

// RoutingTable places peers into 256 k-buckets by the leading-zero count
// of their XOR distance from the local node. Reads dominate; writes are
// micro-critical-sections (insert/touch) under a RWMutex.
type RoutingTable struct {
	self NodeID
	k    int

	mu      sync.RWMutex
	buckets [numBuckets]*kBucket
}

func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = 20
	}
	t := &RoutingTable{self: self, k: k}
	for i := range t.buckets {
		t.buckets[i] = newKBucket(k)
	}
	return t
}

func (t *RoutingTable) Self() NodeID { return t.self }

func (t *RoutingTable) bucketIndex(id NodeID) int {
	idx := t.self.Distance(id).LeadingZeros()
	if idx >= numBuckets {
		idx = numBuckets - 1
	}
	return idx
}

// Observe records traffic from peer, refreshing its bucket position.
// Observing the local node is a no-op.
func (t *RoutingTable) Observe(p Peer) {
	if p.ID == t.self {
		return
	}
	idx := t.bucketIndex(p.ID)
	t.mu.Lock()
	t.buckets[idx].touch(p)
	t.mu.Unlock()
}

// Remove drops a peer that stopped responding.
func (t *RoutingTable) Remove(id NodeID) {
	idx := t.bucketIndex(id)
	t.mu.Lock()
	t.buckets[idx].remove(id)
	t.mu.Unlock()
}

// Closest returns up to n known peers ranked by XOR distance to target.
func (t *RoutingTable) Closest(target NodeID, n int) []Peer {
	t.mu.RLock()
	var all []Peer
	for _, b := range t.buckets {
		all = append(all, b.snapshot()...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Distance(target).Less(all[j].ID.Distance(target))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size reports the total peer count across every bucket.
func (t *RoutingTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, b := range t.buckets {
		total += b.len()
	}
	return total
}

// MinFilled reports whether at least one bucket has reached k entries,
// the bootstrap completion condition.
func (t *RoutingTable) MinFilled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.buckets {
		if b.len() >= t.k {
			return true
		}
	}
	return false
}
