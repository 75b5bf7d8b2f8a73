package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// LookupConfig carries the tunables of one iterative lookup. Validate
// enforces the documented ranges; NodeID length is a compile-time
// property of the array type.
type LookupConfig struct {
	Alpha     int           // parallel fanout per round, [1,16]
	Beta      int           // hedges per leg, [0,4]
	HopBudget int           // rounds before giving up, [1,64]
	LegBudget time.Duration // per-leg timeout
	Stagger   time.Duration // hedge spacing, typically << LegBudget
	K         int           // shortlist width / result size
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:     3,
		Beta:      1,
		HopBudget: 6,
		LegBudget: 800 * time.Millisecond,
		Stagger:   120 * time.Millisecond,
		K:         20,
	}
}

func (c LookupConfig) Validate() error {
	if c.Alpha < 1 || c.Alpha > 16 {
		return fmt.Errorf("dht: alpha %d outside [1,16]", c.Alpha)
	}
	if c.Beta < 0 || c.Beta > 4 {
		return fmt.Errorf("dht: beta %d outside [0,4]", c.Beta)
	}
	if c.HopBudget < 1 || c.HopBudget > 64 {
		return fmt.Errorf("dht: hop budget %d outside [1,64]", c.HopBudget)
	}
	if c.LegBudget <= 0 {
		return errors.New("dht: leg budget must be positive")
	}
	if c.K < 1 {
		return errors.New("dht: k must be positive")
	}
	return nil
}

// FindNodeFunc asks a remote peer for its closest-known peers to target.
// The transport lives in internal/overlay; lookups only know this
// function-shaped contract, which keeps every leg cancel-safe.
type FindNodeFunc func(ctx context.Context, peer Peer, target NodeID) ([]Peer, error)

// LookupResult is the converged shortlist. Truncated is set truthfully
// when the lookup stopped on budget or deadline rather than convergence.
type LookupResult struct {
	Closest   []Peer
	Hops      int
	Truncated bool
}

// Lookup runs iterative α-parallel Kademlia lookups over a routing table.
type Lookup struct {
	table *RoutingTable
	query FindNodeFunc
	cfg   LookupConfig
}

func NewLookup(table *RoutingTable, query FindNodeFunc, cfg LookupConfig) (*Lookup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Lookup{table: table, query: query, cfg: cfg}, nil
}

type legOutcome struct {
	from  Peer
	peers []Peer
	err   error
}

// Run performs one lookup toward target. Individual leg failures never
// fail the lookup; they only consume budget. On deadline the partial
// shortlist is returned with Truncated=true.
func (l *Lookup) Run(ctx context.Context, target NodeID) (LookupResult, error) {
	shortlist := make(map[NodeID]Peer)
	queried := make(map[NodeID]bool)

	for _, p := range l.table.Closest(target, l.cfg.K) {
		shortlist[p.ID] = p
	}
	if len(shortlist) == 0 {
		return LookupResult{}, errors.New("dht: empty routing table")
	}

	closestBefore := l.bestDistance(shortlist, target)

	for hop := 1; hop <= l.cfg.HopBudget; hop++ {
		if ctx.Err() != nil {
			return LookupResult{Closest: l.rank(shortlist, target), Hops: hop - 1, Truncated: true}, nil
		}

		round := l.pickUnqueried(shortlist, queried, target)
		if len(round) == 0 {
			return LookupResult{Closest: l.rank(shortlist, target), Hops: hop - 1}, nil
		}

		results := make(chan legOutcome, len(round))
		for _, p := range round {
			queried[p.ID] = true
			peer := p
			go func() {
				peers, err := l.hedgedQuery(ctx, peer, target)
				results <- legOutcome{from: peer, peers: peers, err: err}
			}()
		}

		for range round {
			out := <-results
			if out.err != nil {
				l.table.Remove(out.from.ID)
				continue
			}
			l.table.Observe(out.from)
			for _, p := range out.peers {
				if p.ID.IsZero() || p.ID == l.table.Self() {
					continue
				}
				if _, seen := shortlist[p.ID]; !seen {
					shortlist[p.ID] = p
				}
			}
		}

		// Converged: no candidate closer than the best we already had.
		closestNow := l.bestDistance(shortlist, target)
		if !closestNow.Less(closestBefore) {
			return LookupResult{Closest: l.rank(shortlist, target), Hops: hop}, nil
		}
		closestBefore = closestNow
	}

	return LookupResult{Closest: l.rank(shortlist, target), Hops: l.cfg.HopBudget, Truncated: true}, nil
}

// hedgedQuery races the primary leg with up to β hedges, each staggered.
// First success wins and cancels the rest; the last error is returned
// only when every leg failed.
func (l *Lookup) hedgedQuery(ctx context.Context, peer Peer, target NodeID) ([]Peer, error) {
	legs := l.cfg.Beta + 1
	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan legOutcome, legs)
	launched := 0
	for i := 0; i < legs; i++ {
		launched++
		go func() {
			c, legCancel := context.WithTimeout(legCtx, l.cfg.LegBudget)
			defer legCancel()
			peers, err := l.query(c, peer, target)
			results <- legOutcome{peers: peers, err: err}
		}()

		if i+1 < legs && l.cfg.Stagger > 0 {
			// Wait out the stagger, but take an early win if the
			// in-flight leg answers first.
			select {
			case out := <-results:
				launched--
				if out.err == nil {
					return out.peers, nil
				}
			case <-time.After(l.cfg.Stagger):
			case <-legCtx.Done():
				return nil, legCtx.Err()
			}
		}
	}

	var lastErr error
	for i := 0; i < launched; i++ {
		out := <-results
		if out.err == nil {
			return out.peers, nil
		}
		lastErr = out.err
	}
	return nil, lastErr
}

func (l *Lookup) pickUnqueried(shortlist map[NodeID]Peer, queried map[NodeID]bool, target NodeID) []Peer {
	ranked := l.rank(shortlist, target)
	var out []Peer
	for _, p := range ranked {
		if !queried[p.ID] {
			out = append(out, p)
			if len(out) == l.cfg.Alpha {
				break
			}
		}
	}
	return out
}

func (l *Lookup) rank(shortlist map[NodeID]Peer, target NodeID) []Peer {
	out := make([]Peer, 0, len(shortlist))
	for _, p := range shortlist {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Distance(target).Less(out[j].ID.Distance(target))
	})
	if len(out) > l.cfg.K {
		out = out[:l.cfg.K]
	}
	return out
}

func (l *Lookup) bestDistance(shortlist map[NodeID]Peer, target NodeID) NodeID {
	var best NodeID
	first := true
	for id := range shortlist {
		d := id.Distance(target)
		if first || d.Less(best) {
			best = d
			first = false
		}
	}
	return best
}
