// Package overlay is the TCP data plane: an accept loop, a 1-RTT
// capability handshake, and per-connection reader/writer tasks with a
// single-writer discipline. The transport is raw TCP carrying OAP/1
// frames; a websocket relay covers peers that cannot speak TCP.
package overlay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Capability bits exchanged during the handshake.
const (
	CapGossipV1 uint32 = 1 << 0
	CapTileGet  uint32 = 1 << 1
	CapFindNode uint32 = 1 << 2
)

// LocalCaps is what this implementation offers.
const LocalCaps = CapGossipV1 | CapTileGet | CapFindNode

var (
	ErrBadMagic      = errors.New("overlay: bad handshake magic")
	ErrBadHSVersion  = errors.New("overlay: unsupported handshake version")
	ErrMissingGossip = errors.New("overlay: peer lacks required GOSSIP_V1 capability")
)

var handshakeMagic = [4]byte{'O', 'A', 'P', '1'}

const (
	handshakeTimeout = 3 * time.Second
	handshakeVersion = byte(1)
)

// handshake performs the symmetric magic+version+caps exchange and
// returns the negotiated capability intersection. Send and receive run
// concurrently so both sides can greet first without blocking on each
// other (1-RTT).
func handshake(conn net.Conn, ourCaps uint32) (uint32, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}
	defer conn.SetDeadline(time.Time{})

	var out [9]byte
	copy(out[0:4], handshakeMagic[:])
	out[4] = handshakeVersion
	binary.BigEndian.PutUint32(out[5:9], ourCaps)

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(out[:])
		writeErr <- err
	}()

	var in [9]byte
	if _, err := io.ReadFull(conn, in[:]); err != nil {
		return 0, fmt.Errorf("overlay: handshake read: %w", err)
	}
	if err := <-writeErr; err != nil {
		return 0, fmt.Errorf("overlay: handshake write: %w", err)
	}
	if [4]byte(in[0:4]) != handshakeMagic {
		return 0, ErrBadMagic
	}
	if in[4] != handshakeVersion {
		return 0, ErrBadHSVersion
	}

	negotiated := ourCaps & binary.BigEndian.Uint32(in[5:9])
	if negotiated&CapGossipV1 == 0 {
		return 0, ErrMissingGossip
	}
	return negotiated, nil
}
