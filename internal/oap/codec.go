package oap

import (
	"encoding/binary"
	"io"
)

// Encode serializes f into wire form: a u32 total_len followed by the
// 33-byte header, the cap section, and the payload. It fails before
// allocating the output when the computed length exceeds MaxFrameBytes or
// when a cap section is present without the START flag; the decoder
// enforces both bounds identically.
func Encode(f *Frame) ([]byte, error) {
	if f.Header.Ver != Version {
		return nil, ErrBadVersion
	}
	if !f.Header.Flags.Valid() {
		return nil, ErrBadFlags
	}
	if len(f.Cap) > 0 && !f.Header.Flags.Has(FlagStart) {
		return nil, ErrCapOnNonStart
	}
	if len(f.Cap) > 0xFFFF {
		return nil, ErrCapOutOfBounds
	}

	total := f.totalLen()
	if total > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, 4+int(total))
	binary.LittleEndian.PutUint32(out[0:4], total)

	h := f.Header
	h.CapLen = uint16(len(f.Cap))
	marshalHeader(h, out[4:4+HeaderSize])
	copy(out[4+HeaderSize:], f.Cap)
	copy(out[4+HeaderSize+len(f.Cap):], f.Payload)
	return out, nil
}

// Decode attempts to parse one frame from the front of buf. It returns
// (nil, 0, nil) when buf does not yet hold a complete frame; otherwise it
// returns the frame and the number of bytes consumed. Size bounds are
// checked before any allocation.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}

	total := binary.LittleEndian.Uint32(buf[0:4])
	if total > MaxFrameBytes {
		return nil, 0, ErrFrameTooLarge
	}
	if total < HeaderSize {
		return nil, 0, ErrTruncatedHeader
	}
	if len(buf) < 4+int(total) {
		return nil, 0, nil
	}

	body := buf[4 : 4+total]
	h := unmarshalHeader(body[:HeaderSize])

	if h.Ver != Version {
		return nil, 0, ErrBadVersion
	}
	if !h.Flags.Valid() {
		return nil, 0, ErrBadFlags
	}
	if h.CapLen > 0 && !h.Flags.Has(FlagStart) {
		return nil, 0, ErrCapOnNonStart
	}
	if int(HeaderSize)+int(h.CapLen) > len(body) {
		return nil, 0, ErrCapOutOfBounds
	}

	f := &Frame{Header: h}
	rest := body[HeaderSize:]
	if h.CapLen > 0 {
		f.Cap = append([]byte(nil), rest[:h.CapLen]...)
	}
	if payload := rest[h.CapLen:]; len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	return f, 4 + int(total), nil
}

// WriteFrame encodes f and writes it whole to w.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r, blocking until a complete
// frame arrives or r errors. For non-blocking incremental decode over a
// growing buffer use ParserState instead.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	if total < HeaderSize {
		return nil, ErrTruncatedHeader
	}

	body := make([]byte, 4+total)
	copy(body[0:4], lenBuf[:])
	if _, err := io.ReadFull(r, body[4:]); err != nil {
		return nil, err
	}

	f, _, err := Decode(body)
	if err != nil {
		return nil, err
	}
	return f, nil
}
