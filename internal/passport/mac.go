package passport

import (
	"crypto/subtle"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// macDomain separates capability MACs from every other keyed-BLAKE3 use
// in this module. Changing it invalidates all issued tokens.
const macDomain = "RON-AUTHv1\x00"

// MacKey is a 32-byte keyed-BLAKE3 key.
type MacKey [32]byte

var (
	// detEnc is the deterministic CBOR mode used for every byte that
	// enters the MAC chain. Core deterministic encoding: sorted map keys,
	// shortest-form integers, so the same logical value always folds to
	// the same tag.
	detEnc cbor.EncMode

	// strictDec rejects unknown fields so a token cannot smuggle data
	// outside the schema.
	strictDec cbor.DecMode
)

func init() {
	var err error
	detEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("passport: cbor enc mode: %v", err))
	}
	strictDec, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("passport: cbor dec mode: %v", err))
	}
}

// initTag computes tag0 = H(key, domain ‖ CBOR([tid, kid, scope])).
func initTag(key MacKey, tid, kid string, scope Scope) ([32]byte, error) {
	var tag [32]byte
	frag, err := detEnc.Marshal([]interface{}{tid, kid, scope})
	if err != nil {
		return tag, fmt.Errorf("passport: encode scope tuple: %w", err)
	}

	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return tag, err
	}
	h.Write([]byte(macDomain))
	h.Write(frag)
	copy(tag[:], h.Sum(nil))
	return tag, nil
}

// foldCaveat computes tagᵢ = H(key, tagᵢ₋₁ ‖ CBOR(caveat)).
func foldCaveat(key MacKey, tag [32]byte, c Caveat) ([32]byte, error) {
	var next [32]byte
	frag, err := detEnc.Marshal(c)
	if err != nil {
		return next, fmt.Errorf("passport: encode caveat: %w", err)
	}

	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return next, err
	}
	h.Write(tag[:])
	h.Write(frag)
	copy(next[:], h.Sum(nil))
	return next, nil
}

// ComputeMAC folds the full chain for cap under key. Attenuation follows
// directly from the chain shape: adding a caveat folds it onto the
// previous tag under the same (kid, tid) key, without re-encoding the
// earlier caveats.
func ComputeMAC(key MacKey, cap *Capability) ([32]byte, error) {
	tag, err := initTag(key, cap.TID, cap.KID, cap.Scope)
	if err != nil {
		return tag, err
	}
	for _, c := range cap.Caveats {
		tag, err = foldCaveat(key, tag, c)
		if err != nil {
			return tag, err
		}
	}
	return tag, nil
}

// macsEqual compares two MACs in constant time.
func macsEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
