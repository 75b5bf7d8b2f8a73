package passport

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrTokenTooLarge = errors.New("passport: token exceeds size bound")
	ErrMalformed     = errors.New("passport: malformed token")
)

// EncodeToken renders cap as a URL-safe unpadded base64 CBOR token, the
// wire form carried in Authorization headers and OAP START cap sections.
func EncodeToken(cap *Capability) (string, error) {
	raw, err := detEnc.Marshal(cap)
	if err != nil {
		return "", fmt.Errorf("passport: encode capability: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a token with an early size cap applied to the
// base64 input before any decode work, then a strict CBOR decode that
// rejects unknown fields.
func DecodeToken(token string, maxBytes int) (*Capability, error) {
	// ceil(maxBytes*4/3) bounds the base64 input for a given decoded size.
	maxIn := (maxBytes*4 + 2) / 3
	if len(token) > maxIn {
		return nil, ErrTokenTooLarge
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) > maxBytes {
		return nil, ErrTokenTooLarge
	}

	var cap Capability
	if err := strictDec.Unmarshal(raw, &cap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &cap, nil
}
