package naming

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrBadFQDN = errors.New("naming: malformed fqdn")

	idnaProfile = idna.New(
		idna.MapForLookup(),
		idna.BidiRule(),
		idna.Transitional(false),
	)
)

const (
	maxLabelBytes = 63
	maxNameBytes  = 253
)

// NameRef is a normalized ASCII FQDN: UTS-46 IDNA mapped, NFC-normalized,
// lowercased, with collapsed repeated dots and no leading/trailing hyphen
// per label.
type NameRef string

// NormalizeFQDN applies the full normalization pipeline to raw and
// validates the result. Idempotent: NormalizeFQDN(NormalizeFQDN(x)) ==
// NormalizeFQDN(x) for any x that normalizes successfully.
func NormalizeFQDN(raw string) (NameRef, error) {
	raw = strings.TrimSpace(raw)
	raw = collapseDots(raw)
	raw = strings.TrimSuffix(raw, ".")

	ascii, err := idnaProfile.ToASCII(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFQDN, err)
	}
	ascii = norm.NFC.String(ascii)
	ascii = strings.ToLower(ascii)

	if err := validateLabels(ascii); err != nil {
		return "", err
	}
	return NameRef(ascii), nil
}

// collapseDots turns runs of consecutive '.' into a single '.' before
// IDNA mapping so that "foo..bar" and "foo.bar" resolve to the same key.
func collapseDots(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDot := false
	for _, r := range s {
		if r == '.' {
			if prevDot {
				continue
			}
			prevDot = true
		} else {
			prevDot = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func validateLabels(ascii string) error {
	if ascii == "" || len(ascii) > maxNameBytes {
		return fmt.Errorf("%w: total length out of bounds", ErrBadFQDN)
	}
	labels := strings.Split(ascii, ".")
	for _, l := range labels {
		if len(l) == 0 || len(l) > maxLabelBytes {
			return fmt.Errorf("%w: label length out of bounds %q", ErrBadFQDN, l)
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return fmt.Errorf("%w: label has leading/trailing hyphen %q", ErrBadFQDN, l)
		}
	}
	return nil
}

func (n NameRef) String() string { return string(n) }

// IsName reports whether s carries the "name:" resolution-key prefix used
// by the index.
func IsName(s string) bool { return strings.HasPrefix(s, "name:") }

// StripNamePrefix removes a leading "name:" if present.
func StripNamePrefix(s string) string { return strings.TrimPrefix(s, "name:") }
