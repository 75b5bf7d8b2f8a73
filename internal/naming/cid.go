// Package naming implements the two canonical key forms resolved by the
// index: content-ids (b3:<hex>) and normalized FQDNs (name:<fqdn>).
// Names are always normalized before lookup so every spelling of a name
// maps to one key.
package naming

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const cidPrefix = "b3:"

// CidLen is the number of hex characters in a valid ContentId digest.
const CidLen = 64

var (
	ErrBadContentID = errors.New("naming: malformed content id")
)

// ContentID is the canonical b3:<64-lowercase-hex> string form.
type ContentID string

// NewContentID computes the canonical ContentId for bytes b.
func NewContentID(b []byte) ContentID {
	sum := blake3.Sum256(b)
	return ContentID(cidPrefix + hex.EncodeToString(sum[:]))
}

// ParseContentID validates s as a strict b3:<hex> content id: the prefix
// must be present, the hex portion exactly CidLen characters, and every
// character lowercase hex. Anything else is ErrBadContentID.
func ParseContentID(s string) (ContentID, error) {
	if len(s) != len(cidPrefix)+CidLen || s[:len(cidPrefix)] != cidPrefix {
		return "", fmt.Errorf("%w: %q", ErrBadContentID, s)
	}
	hexPart := s[len(cidPrefix):]
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		if !isDigit && !isLowerHex {
			return "", fmt.Errorf("%w: %q", ErrBadContentID, s)
		}
	}
	return ContentID(s), nil
}

// IsContentID reports whether s is a syntactically valid content id,
// without allocating an error.
func IsContentID(s string) bool {
	_, err := ParseContentID(s)
	return err == nil
}

func (c ContentID) String() string { return string(c) }

// ETag renders the HTTP ETag form of a content id: a quoted "b3:<hex>".
func (c ContentID) ETag() string { return fmt.Sprintf("%q", string(c)) }
