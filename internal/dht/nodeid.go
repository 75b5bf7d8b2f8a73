// Package dht implements Kademlia-XOR provider discovery: a 256-bucket
// routing table keyed by leading-zero count of XOR distance, α-parallel
// iterative lookups with β hedges, and TTL-bounded provider records.
package dht

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// NodeIDLen is fixed at 32 bytes; the array type makes it a compile-time
// property rather than a runtime check.
const NodeIDLen = 32

// NodeID is the BLAKE3-256 of a node's public key.
type NodeID [NodeIDLen]byte

var ErrBadNodeID = errors.New("dht: malformed node id")

// NodeIDFromPubKey derives a node's identity from its public key bytes.
func NodeIDFromPubKey(pk []byte) NodeID {
	return NodeID(blake3.Sum256(pk))
}

// ParseNodeID decodes a 64-hex-character node id.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != NodeIDLen*2 {
		return id, fmt.Errorf("%w: %q", ErrBadNodeID, s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %q", ErrBadNodeID, s)
	}
	copy(id[:], raw)
	return id, nil
}

func (n NodeID) String() string { return hex.EncodeToString(n[:]) }

// Distance is the XOR metric over the full 32 bytes.
func (n NodeID) Distance(other NodeID) NodeID {
	var out NodeID
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// LeadingZeros counts the leading zero bits of n, i.e. the bucket index
// of a peer at this distance. The zero distance (self) returns 256.
func (n NodeID) LeadingZeros() int {
	for i, b := range n {
		if b != 0 {
			for j := 7; j >= 0; j-- {
				if b&(1<<uint(j)) != 0 {
					return i*8 + (7 - j)
				}
			}
		}
	}
	return NodeIDLen * 8
}

// Less orders node ids as big-endian integers, used to rank candidates
// by distance to a target.
func (n NodeID) Less(other NodeID) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

func (n NodeID) IsZero() bool {
	return n == NodeID{}
}
