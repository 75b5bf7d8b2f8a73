package passport

import (
	"net"
	"strings"
)

// Verifier runs the verification pipeline: bounds check, strict decode,
// caveat count, key lookup, constant-time MAC recompute, then caveat
// evaluation against the request context.
type Verifier struct {
	cfg  VerifierConfig
	keys MacKeyProvider
}

func NewVerifier(cfg VerifierConfig, keys MacKeyProvider) *Verifier {
	if cfg.MaxTokenBytes <= 0 {
		cfg = DefaultVerifierConfig()
	}
	return &Verifier{cfg: cfg, keys: keys}
}

// VerifyToken decodes and verifies a wire token.
func (v *Verifier) VerifyToken(token string, ctx RequestCtx) Decision {
	cap, err := DecodeToken(token, v.cfg.MaxTokenBytes)
	if err != nil {
		if err == ErrTokenTooLarge {
			return deny(DenyTokenTooLarge)
		}
		return deny(DenyMalformed)
	}
	return v.Verify(cap, ctx)
}

// Verify checks an already-decoded capability.
func (v *Verifier) Verify(cap *Capability, ctx RequestCtx) Decision {
	if len(cap.Caveats) > v.cfg.MaxCaveats {
		return deny(DenyTooManyCaveats)
	}

	key, ok := v.keys.KeyFor(cap.KID, cap.TID)
	if !ok {
		return deny(DenyUnknownKey)
	}

	want, err := ComputeMAC(key, cap)
	if err != nil {
		return deny(DenyMalformed)
	}
	if !macsEqual(want[:], cap.MAC) {
		return deny(DenyBadMAC)
	}

	if reasons := v.evalCaveats(cap.Caveats, ctx); len(reasons) > 0 {
		return deny(reasons...)
	}
	return allow(cap.Scope)
}

// evalCaveats evaluates every caveat, accumulating all failures so a
// denied caller learns the full set of unmet clauses rather than only
// the first.
func (v *Verifier) evalCaveats(caveats []Caveat, ctx RequestCtx) []DenyReason {
	var reasons []DenyReason
	skew := v.cfg.ClockSkew
	now := ctx.Now

	for _, c := range caveats {
		switch c.Kind {
		case CaveatExp:
			if now.Add(-skew).Unix() > int64(c.Unix) {
				reasons = append(reasons, DenyExpired)
			}
		case CaveatNbf:
			if now.Add(skew).Unix() < int64(c.Unix) {
				reasons = append(reasons, DenyNotYetValid)
			}
		case CaveatAud:
			if ctx.Extras["aud"] != c.Aud {
				reasons = append(reasons, DenyAudience)
			}
		case CaveatMethod:
			if !containsFold(c.Methods, ctx.Method) {
				reasons = append(reasons, DenyMethod)
			}
		case CaveatPathPrefix:
			if !strings.HasPrefix(ctx.Path, c.PathPrefix) {
				reasons = append(reasons, DenyPath)
			}
		case CaveatIPCIDR:
			if !ipInCIDR(ctx.PeerIP, c.CIDR) {
				reasons = append(reasons, DenyPeerIP)
			}
		case CaveatBytesLe:
			// RequestCtx carries no body size, so the limit is not
			// compared with the request and the returned scope is not
			// narrowed; only a zero limit is denied here.
			if c.BytesLe == 0 {
				reasons = append(reasons, DenyOversize)
			}
		case CaveatRate:
			// The rate itself is not enforced anywhere; verification
			// only checks well-formedness.
			if c.RatePerSec == 0 {
				reasons = append(reasons, DenyCustom)
			}
		case CaveatTenant:
			if ctx.Tenant != c.Tenant {
				reasons = append(reasons, DenyTenant)
			}
		case CaveatAmnesia:
			if ctx.Amnesia != c.Amnesia {
				reasons = append(reasons, DenyAmnesia)
			}
		case CaveatPolicyDigest:
			if ctx.PolicyDigest != c.PolicyDigest {
				reasons = append(reasons, DenyPolicyDigest)
			}
		case CaveatCustom:
			if ctx.Extras == nil || ctx.Extras[c.CustomNS+"/"+c.CustomName] == "" {
				reasons = append(reasons, DenyCustom)
			}
		default:
			reasons = append(reasons, DenyMalformed)
		}
	}
	return reasons
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func ipInCIDR(ip net.IP, cidr string) bool {
	if ip == nil {
		return false
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}
