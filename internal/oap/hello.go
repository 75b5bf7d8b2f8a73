package oap

import (
	"encoding/json"
	"fmt"
)

// Hello is the client's negotiation request, carried as the JSON payload
// of the one permitted app_proto_id=0 frame per connection.
type Hello struct {
	UA string `json:"ua,omitempty"`
}

// HelloReply is the server's negotiation answer: its frame/inflight
// bounds, supported flags and versions, and reachable transports.
type HelloReply struct {
	MaxFrame       uint32   `json:"max_frame"`
	MaxInflight    uint16   `json:"max_inflight"`
	FlagsSupported uint16   `json:"flags_supported"`
	Versions       []uint16 `json:"versions"`
	Transports     []string `json:"transports"`
}

// DefaultHelloReply advertises this implementation's limits.
func DefaultHelloReply() HelloReply {
	return HelloReply{
		MaxFrame:       MaxFrameBytes,
		MaxInflight:    64,
		FlagsSupported: uint16(knownFlags),
		Versions:       []uint16{Version},
		Transports:     []string{"tcp+tls", "tcp"},
	}
}

// ToFrame wraps h as a REQ frame on app_proto_id 0.
func (h Hello) ToFrame(tenant TenantID, corrID uint64) (*Frame, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("oap: marshal hello: %w", err)
	}
	return &Frame{
		Header: Header{
			Ver:        Version,
			Flags:      FlagReq,
			AppProtoID: HelloAppProtoID,
			TenantID:   tenant,
			CorrID:     corrID,
		},
		Payload: payload,
	}, nil
}

// ToFrame wraps r as the RESP frame answering the HELLO at corrID.
func (r HelloReply) ToFrame(tenant TenantID, corrID uint64) (*Frame, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("oap: marshal hello reply: %w", err)
	}
	return &Frame{
		Header: Header{
			Ver:        Version,
			Flags:      FlagResp,
			Code:       StatusOK,
			AppProtoID: HelloAppProtoID,
			TenantID:   tenant,
			CorrID:     corrID,
		},
		Payload: payload,
	}, nil
}

// HelloFromFrame parses a HELLO request payload.
func HelloFromFrame(f *Frame) (Hello, error) {
	var h Hello
	if len(f.Payload) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(f.Payload, &h); err != nil {
		return h, fmt.Errorf("oap: parse hello: %w", err)
	}
	return h, nil
}

// HelloReplyFromFrame parses a HELLO response payload.
func HelloReplyFromFrame(f *Frame) (HelloReply, error) {
	var r HelloReply
	if len(f.Payload) == 0 {
		return r, ErrPayloadOutOfBounds
	}
	if err := json.Unmarshal(f.Payload, &r); err != nil {
		return r, fmt.Errorf("oap: parse hello reply: %w", err)
	}
	return r, nil
}

// IsHello reports whether f is a HELLO negotiation frame.
func IsHello(f *Frame) bool {
	return f.Header.AppProtoID == HelloAppProtoID && f.Header.Flags.Has(FlagReq)
}
