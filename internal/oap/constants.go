package oap

// OAP/1 wire constants.
const (
	Version = 1

	// HeaderSize is the fixed header size in bytes, counted after the
	// leading u32 total_len field: ver(1) + flags(2) + code(2) +
	// app_proto_id(2) + tenant_id(16) + cap_len(2) + corr_id(8) = 33.
	HeaderSize = 33

	// MaxFrameBytes bounds total_len (header + cap + payload).
	MaxFrameBytes = 1 << 20 // 1 MiB

	// ChunkSize is the recommended DATA payload size for streamed objects.
	ChunkSize = 64 * 1024

	// HelloAppProtoID is the reserved app_proto_id used for HELLO frames.
	HelloAppProtoID = 0

	// TileGetAppProtoID is the reserved app_proto_id for tile fetches.
	TileGetAppProtoID = 0x0301
)

// StatusCode is the closed set of OAP response codes, also meaningful when
// proxied over HTTP.
type StatusCode uint16

const (
	StatusOK              StatusCode = 200
	StatusPartial         StatusCode = 206
	StatusBadRequest      StatusCode = 400
	StatusUnauthorized    StatusCode = 401
	StatusForbidden       StatusCode = 403
	StatusNotFound        StatusCode = 404
	StatusPayloadTooLarge StatusCode = 413
	StatusTooManyRequests StatusCode = 429
	StatusInternal        StatusCode = 500
	StatusUnavailable     StatusCode = 503
)
