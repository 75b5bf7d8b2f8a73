package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyonions/overlay/internal/dht"
	"github.com/rustyonions/overlay/internal/naming"
)

var (
	ErrBadKey = errors.New("index: key is neither b3:<hex> nor name:<fqdn>")

	// MaxProviderLimit clamps how many providers one resolution may
	// request, whatever the caller asked for.
	MaxProviderLimit = 32
)

// Provider is the client-facing slice of a provider record.
type Provider struct {
	NodeURI string  `json:"node_uri"`
	Score   float64 `json:"score"`
}

// Resolution is the result of resolving a key: the manifest content id,
// ranked providers, and whether the provider list was clamped.
type Resolution struct {
	Key       string           `json:"key"`
	CID       naming.ContentID `json:"cid"`
	Providers []Provider       `json:"providers"`
	Truncated bool             `json:"truncated"`
}

// ProviderSource supplies providers for a content id. The DHT satisfies
// this; tests inject fakes.
type ProviderSource interface {
	Providers(ctx context.Context, cid naming.ContentID, limit int) ([]dht.ProviderRecord, bool, error)
}

// SharedCache is the optional cross-instance cache layer
// (RedisResolutionCache satisfies it).
type SharedCache interface {
	Get(ctx context.Context, key string) (Resolution, bool)
	Put(ctx context.Context, key string, res Resolution) error
}

// Resolver runs the resolution pipeline: validate, cache-check,
// name→cid mapping, provider fetch, filter/rank/clamp, cache, return.
// It never synthesizes providers: an empty provider list is returned
// as-is and the handler decides whether that is a 404.
type Resolver struct {
	names     NameStore
	providers ProviderSource
	cache     *resolutionCache
	shared    SharedCache
	limit     int
}

func NewResolver(names NameStore, providers ProviderSource, cacheTTL time.Duration, defaultLimit int) *Resolver {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &Resolver{
		names:     names,
		providers: providers,
		cache:     newResolutionCache(cacheTTL),
		limit:     defaultLimit,
	}
}

// WithSharedCache layers a cross-instance cache in front of the DHT
// fetch (but behind the in-process cache).
func (r *Resolver) WithSharedCache(s SharedCache) *Resolver {
	r.shared = s
	return r
}

// Resolve resolves key, which must be b3:<hex> or name:<fqdn>. fresh
// bypasses both cache layers. limit<=0 selects the configured default;
// anything above MaxProviderLimit is clamped.
func (r *Resolver) Resolve(ctx context.Context, key string, fresh bool, limit int) (Resolution, error) {
	if limit <= 0 {
		limit = r.limit
	}
	if limit > MaxProviderLimit {
		limit = MaxProviderLimit
	}

	canonical, cid, err := r.canonicalize(ctx, key)
	if err != nil {
		return Resolution{}, err
	}

	if !fresh {
		if res, ok := r.cache.get(canonical); ok {
			return res, nil
		}
		if r.shared != nil {
			if res, ok := r.shared.Get(ctx, canonical); ok {
				r.cache.put(canonical, res)
				return res, nil
			}
		}
	}

	res := Resolution{Key: canonical, CID: cid}
	if r.providers != nil {
		recs, truncated, perr := r.providers.Providers(ctx, cid, limit)
		if perr != nil {
			return Resolution{}, fmt.Errorf("index: provider fetch: %w", perr)
		}
		for _, rec := range recs {
			if rec.Synthetic {
				// Synthetic records never reach clients, whatever the
				// source handed us.
				continue
			}
			res.Providers = append(res.Providers, Provider{NodeURI: rec.NodeURI, Score: rec.Score})
		}
		res.Truncated = truncated
	}

	r.cache.put(canonical, res)
	if r.shared != nil {
		_ = r.shared.Put(ctx, canonical, res)
	}
	return res, nil
}

// canonicalize validates key and maps names through the durable store.
// The canonical cache key for a name is its normalized form, so
// "name:FOO.example" and "name:foo.example" share one entry.
func (r *Resolver) canonicalize(ctx context.Context, key string) (string, naming.ContentID, error) {
	if naming.IsContentID(key) {
		return key, naming.ContentID(key), nil
	}
	if naming.IsName(key) {
		name, err := naming.NormalizeFQDN(naming.StripNamePrefix(key))
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		cid, err := r.names.Get(ctx, name)
		if err != nil {
			return "", "", err
		}
		return "name:" + string(name), cid, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrBadKey, key)
}

// Seed persists a name→cid binding with a durable flush, the admin-seed
// write path. The name may carry a "name:" prefix; the cid must already
// be strictly valid.
func (r *Resolver) Seed(ctx context.Context, rawName, rawCID string) (naming.NameRef, naming.ContentID, error) {
	cid, err := naming.ParseContentID(rawCID)
	if err != nil {
		return "", "", err
	}
	name, err := naming.NormalizeFQDN(naming.StripNamePrefix(rawName))
	if err != nil {
		return "", "", err
	}
	if err := r.names.Put(ctx, name, cid); err != nil {
		return "", "", err
	}
	if err := r.names.Flush(ctx); err != nil {
		return "", "", fmt.Errorf("index: flush after seed: %w", err)
	}
	return name, cid, nil
}
