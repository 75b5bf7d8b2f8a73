package passport

import (
	"errors"
	"fmt"
)

// Issue signs a fresh capability for (tid, scope) under the keyring's
// current kid.
func Issue(keys *Keyring, tid string, scope Scope, caveats ...Caveat) (*Capability, error) {
	kid := keys.Current()
	if kid == "" {
		return nil, errors.New("passport: keyring has no current key")
	}
	key, ok := keys.KeyFor(kid, tid)
	if !ok {
		return nil, fmt.Errorf("passport: no key for kid %q", kid)
	}

	cap := &Capability{TID: tid, KID: kid, Scope: scope, Caveats: caveats}
	mac, err := ComputeMAC(key, cap)
	if err != nil {
		return nil, err
	}
	cap.MAC = mac[:]
	return cap, nil
}

// Attenuate derives a narrower capability by appending one caveat and
// folding it onto the existing MAC. No key material is needed for the
// folding itself beyond the same (kid, tid) key, and the operation can
// only restrict: there is no way to remove a caveat without breaking the
// chain.
func Attenuate(keys MacKeyProvider, parent *Capability, caveat Caveat) (*Capability, error) {
	key, ok := keys.KeyFor(parent.KID, parent.TID)
	if !ok {
		return nil, fmt.Errorf("passport: no key for kid %q", parent.KID)
	}
	if len(parent.MAC) != 32 {
		return nil, errors.New("passport: parent MAC malformed")
	}

	var tag [32]byte
	copy(tag[:], parent.MAC)
	next, err := foldCaveat(key, tag, caveat)
	if err != nil {
		return nil, err
	}

	child := &Capability{
		TID:     parent.TID,
		KID:     parent.KID,
		Scope:   parent.Scope,
		Caveats: append(append([]Caveat(nil), parent.Caveats...), caveat),
		MAC:     next[:],
	}
	return child, nil
}
