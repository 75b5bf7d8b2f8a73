package dht

import "time"

// Peer is a routing-table entry: a node identity plus how to reach it.
type Peer struct {
	ID       NodeID
	Addr     string
	LastSeen time.Time
}

// kBucket holds up to k peers in least-recently-seen-first order. Touch
// moves a known peer to the tail; a full bucket evicts its stalest entry
// for the newcomer. Not safe for concurrent use — the RoutingTable's
// lock covers it.
type kBucket struct {
	k     int
	peers []Peer
}

func newKBucket(k int) *kBucket {
	return &kBucket{k: k}
}

// touch records activity from peer, inserting or refreshing it.
func (b *kBucket) touch(p Peer) {
	p.LastSeen = time.Now()
	for i := range b.peers {
		if b.peers[i].ID == p.ID {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append(b.peers, p)
			return
		}
	}
	if len(b.peers) >= b.k {
		// Full: drop the least-recently-seen head.
		b.peers = b.peers[1:]
	}
	b.peers = append(b.peers, p)
}

// remove drops a peer that failed to respond.
func (b *kBucket) remove(id NodeID) {
	for i := range b.peers {
		if b.peers[i].ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

// snapshot copies the bucket's peers, stalest first.
func (b *kBucket) snapshot() []Peer {
	return append([]Peer(nil), b.peers...)
}

func (b *kBucket) len() int { return len(b.peers) }
