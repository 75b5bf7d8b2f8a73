package passport

// BatchItem pairs one token with the context it must satisfy.
type BatchItem struct {
	Token string
	Ctx   RequestCtx
}

// VerifyBatch verifies N tokens and returns one Decision per item, in
// order. Below the SoA threshold it simply loops. Above it, the batch is
// decoded up front, keys are resolved once per (kid, tid) pair, and the
// MAC of each decoded item is recomputed and settled on its own, so every
// caller gets a precise boolean. There is no separate all-or-nothing pass
// over the batch.
func (v *Verifier) VerifyBatch(items []BatchItem) []Decision {
	out := make([]Decision, len(items))
	if len(items) <= v.cfg.SoaThreshold {
		for i, it := range items {
			out[i] = v.VerifyToken(it.Token, it.Ctx)
		}
		return out
	}

	// Decode phase: structural failures settle immediately.
	caps := make([]*Capability, len(items))
	for i, it := range items {
		cap, err := DecodeToken(it.Token, v.cfg.MaxTokenBytes)
		if err != nil {
			if err == ErrTokenTooLarge {
				out[i] = deny(DenyTokenTooLarge)
			} else {
				out[i] = deny(DenyMalformed)
			}
			continue
		}
		if len(cap.Caveats) > v.cfg.MaxCaveats {
			out[i] = deny(DenyTooManyCaveats)
			continue
		}
		caps[i] = cap
	}

	// Key phase: one lookup per distinct (kid, tid).
	type keyRef struct{ kid, tid string }
	keyCache := make(map[keyRef]*MacKey)
	keyFor := func(kid, tid string) (MacKey, bool) {
		ref := keyRef{kid, tid}
		if k, seen := keyCache[ref]; seen {
			if k == nil {
				return MacKey{}, false
			}
			return *k, true
		}
		k, ok := v.keys.KeyFor(kid, tid)
		if !ok {
			keyCache[ref] = nil
			return MacKey{}, false
		}
		keyCache[ref] = &k
		return k, true
	}

	// MAC phase: per-item recomputation and settlement over the survivors.
	for i, cap := range caps {
		if cap == nil {
			continue
		}
		key, ok := keyFor(cap.KID, cap.TID)
		if !ok {
			out[i] = deny(DenyUnknownKey)
			continue
		}
		want, err := ComputeMAC(key, cap)
		if err != nil {
			out[i] = deny(DenyMalformed)
			continue
		}
		if !macsEqual(want[:], cap.MAC) {
			out[i] = deny(DenyBadMAC)
			continue
		}
		if reasons := v.evalCaveats(cap.Caveats, items[i].Ctx); len(reasons) > 0 {
			out[i] = deny(reasons...)
			continue
		}
		out[i] = allow(cap.Scope)
	}
	return out
}
