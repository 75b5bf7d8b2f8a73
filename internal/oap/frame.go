package oap

import (
	"encoding/binary"
)

// TenantID is the 128-bit tenant identifier carried in every header.
type TenantID [16]byte

// TenantIDFromUint64 packs a tenant id from low/high 64-bit halves,
// little-endian, matching the wire's byte order.
func TenantIDFromUint64(low, high uint64) TenantID {
	var t TenantID
	binary.LittleEndian.PutUint64(t[0:8], low)
	binary.LittleEndian.PutUint64(t[8:16], high)
	return t
}

// Header is the fixed 33-byte OAP/1 frame header, excluding the leading
// u32 total_len which the codec computes rather than stores.
type Header struct {
	Ver        uint8
	Flags      Flags
	Code       StatusCode
	AppProtoID uint16
	TenantID   TenantID
	CapLen     uint16
	CorrID     uint64
}

// Frame is a fully decoded OAP/1 message: header, optional capability blob,
// and payload. Cap is non-empty only when Header.Flags has FlagStart set.
type Frame struct {
	Header  Header
	Cap     []byte
	Payload []byte
}

// totalLen is the wire total_len value: header bytes + cap bytes + payload
// bytes, i.e. everything written after the total_len field itself.
func (f *Frame) totalLen() uint32 {
	return uint32(HeaderSize + len(f.Cap) + len(f.Payload))
}

// marshalHeader writes the fixed 33-byte header to dst, which must have at
// least HeaderSize bytes of capacity.
func marshalHeader(h Header, dst []byte) {
	dst[0] = h.Ver
	binary.LittleEndian.PutUint16(dst[1:3], uint16(h.Flags))
	binary.LittleEndian.PutUint16(dst[3:5], uint16(h.Code))
	binary.LittleEndian.PutUint16(dst[5:7], h.AppProtoID)
	copy(dst[7:23], h.TenantID[:])
	binary.LittleEndian.PutUint16(dst[23:25], h.CapLen)
	binary.LittleEndian.PutUint64(dst[25:33], h.CorrID)
}

func unmarshalHeader(src []byte) Header {
	var h Header
	h.Ver = src[0]
	h.Flags = Flags(binary.LittleEndian.Uint16(src[1:3]))
	h.Code = StatusCode(binary.LittleEndian.Uint16(src[3:5]))
	h.AppProtoID = binary.LittleEndian.Uint16(src[5:7])
	copy(h.TenantID[:], src[7:23])
	h.CapLen = binary.LittleEndian.Uint16(src[23:25])
	h.CorrID = binary.LittleEndian.Uint64(src[25:33])
	return h
}
