// Package ipc is the internal service-to-service RPC plane: unix-domain
// sockets carrying length-prefixed MsgPack envelopes.
// The framing is a big-endian u32 length followed by the encoded
// envelope; an empty frame is a protocol error.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxEnvelopeBytes bounds a single IPC frame, mirroring the OAP frame
// cap so a misbehaving local peer cannot balloon memory either.
const MaxEnvelopeBytes = 1 << 20

var (
	ErrEmptyFrame    = errors.New("ipc: empty frame")
	ErrFrameTooLarge = errors.New("ipc: frame exceeds cap")
)

// Envelope is the RPC unit. Responses echo the request's CorrID.
type Envelope struct {
	Service string `msgpack:"service"`
	Method  string `msgpack:"method"`
	CorrID  uint64 `msgpack:"corr_id"`
	Token   string `msgpack:"token,omitempty"`
	Code    int    `msgpack:"code,omitempty"` // 0 on requests
	Payload []byte `msgpack:"payload,omitempty"`
}

// WriteEnvelope frames and writes env to w.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	if len(body) > MaxEnvelopeBytes {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadEnvelope reads one framed envelope from r. The length is checked
// against the cap before any payload allocation.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxEnvelopeBytes {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("ipc: decode envelope: %w", err)
	}
	return &env, nil
}
