// Package passport issues and verifies capability tokens: attenuable
// authorization built from a BLAKE3 keyed MAC chain over CBOR-encoded
// caveats, with rotating keys behind a grace window.
package passport

import (
	"net"
	"time"
)

// Scope bounds what a capability may touch: a resource prefix, a method
// allowlist, and a payload size ceiling.
type Scope struct {
	Prefix   string   `cbor:"prefix,omitempty" json:"prefix,omitempty"`
	Methods  []string `cbor:"methods,omitempty" json:"methods,omitempty"`
	MaxBytes uint64   `cbor:"max_bytes,omitempty" json:"max_bytes,omitempty"`
}

// CaveatKind discriminates the closed caveat taxonomy. Closed variants
// use a tagged struct, not an interface hierarchy.
type CaveatKind string

const (
	CaveatExp          CaveatKind = "exp"
	CaveatNbf          CaveatKind = "nbf"
	CaveatAud          CaveatKind = "aud"
	CaveatMethod       CaveatKind = "method"
	CaveatPathPrefix   CaveatKind = "path_prefix"
	CaveatIPCIDR       CaveatKind = "ip_cidr"
	CaveatBytesLe      CaveatKind = "bytes_le"
	CaveatRate         CaveatKind = "rate"
	CaveatTenant       CaveatKind = "tenant"
	CaveatAmnesia      CaveatKind = "amnesia"
	CaveatPolicyDigest CaveatKind = "gov_policy_digest"
	CaveatCustom       CaveatKind = "custom"
)

// Caveat is one attenuation clause. Only the fields matching Kind are
// meaningful; the rest stay zero and are omitted from the encoding, so
// the MAC chain sees a deterministic byte form per caveat.
type Caveat struct {
	Kind CaveatKind `cbor:"t" json:"t"`

	Unix         uint64   `cbor:"unix,omitempty" json:"unix,omitempty"` // Exp, Nbf
	Aud          string   `cbor:"aud,omitempty" json:"aud,omitempty"`
	Methods      []string `cbor:"methods,omitempty" json:"methods,omitempty"`
	PathPrefix   string   `cbor:"path,omitempty" json:"path,omitempty"`
	CIDR         string   `cbor:"cidr,omitempty" json:"cidr,omitempty"`
	BytesLe      uint64   `cbor:"bytes_le,omitempty" json:"bytes_le,omitempty"`
	RatePerSec   uint32   `cbor:"per_s,omitempty" json:"per_s,omitempty"`
	RateBurst    uint32   `cbor:"burst,omitempty" json:"burst,omitempty"`
	Tenant       string   `cbor:"tenant,omitempty" json:"tenant,omitempty"`
	Amnesia      bool     `cbor:"amnesia,omitempty" json:"amnesia,omitempty"`
	PolicyDigest string   `cbor:"digest,omitempty" json:"digest,omitempty"`
	CustomNS     string   `cbor:"ns,omitempty" json:"ns,omitempty"`
	CustomName   string   `cbor:"name,omitempty" json:"name,omitempty"`
	CustomRaw    []byte   `cbor:"raw,omitempty" json:"raw,omitempty"`
}

// Capability is the signed token: tenant, key id, scope, ordered caveats,
// and the 32-byte chained MAC. Once signed it is immutable — attenuation
// produces a new Capability with one more caveat and a re-folded MAC.
type Capability struct {
	TID     string   `cbor:"tid" json:"tid"`
	KID     string   `cbor:"kid" json:"kid"`
	Scope   Scope    `cbor:"scope" json:"scope"`
	Caveats []Caveat `cbor:"caveats" json:"caveats"`
	MAC     []byte   `cbor:"mac" json:"mac"`
}

// RequestCtx is the request-side context every caveat is evaluated
// against.
type RequestCtx struct {
	Now          time.Time
	Method       string
	Path         string
	PeerIP       net.IP
	Tenant       string
	ObjectAddr   string
	Amnesia      bool
	PolicyDigest string
	Extras       map[string]string
}

// DenyReason is the closed set of verification failure causes.
type DenyReason string

const (
	DenyTokenTooLarge  DenyReason = "token_too_large"
	DenyMalformed      DenyReason = "malformed"
	DenyTooManyCaveats DenyReason = "too_many_caveats"
	DenyUnknownKey     DenyReason = "unknown_key"
	DenyBadMAC         DenyReason = "bad_mac"
	DenyExpired        DenyReason = "expired"
	DenyNotYetValid    DenyReason = "not_yet_valid"
	DenyAudience       DenyReason = "audience_mismatch"
	DenyMethod         DenyReason = "method_not_allowed"
	DenyPath           DenyReason = "path_outside_prefix"
	DenyPeerIP         DenyReason = "peer_ip_outside_cidr"
	DenyOversize       DenyReason = "bytes_over_limit"
	DenyTenant         DenyReason = "tenant_mismatch"
	DenyAmnesia        DenyReason = "amnesia_mismatch"
	DenyPolicyDigest   DenyReason = "policy_digest_mismatch"
	DenyCustom         DenyReason = "custom_caveat_failed"
)

// Decision is the verification verdict: the effective scope on allow, or
// the accumulated reasons on deny.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Scope   Scope        `json:"scope,omitempty"`
	Reasons []DenyReason `json:"reasons,omitempty"`
}

func allow(scope Scope) Decision { return Decision{Allowed: true, Scope: scope} }

func deny(reasons ...DenyReason) Decision { return Decision{Allowed: false, Reasons: reasons} }

// VerifierConfig bounds the verification pipeline.
type VerifierConfig struct {
	MaxTokenBytes int
	MaxCaveats    int
	ClockSkew     time.Duration
	SoaThreshold  int
}

func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		MaxTokenBytes: 4096,
		MaxCaveats:    64,
		ClockSkew:     60 * time.Second,
		SoaThreshold:  8,
	}
}
