package oap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rustyonions/overlay/internal/kernel"
	"github.com/rustyonions/overlay/internal/naming"
)

// ConnConfig carries the per-connection protocol limits.
type ConnConfig struct {
	AckWindow              int
	MaxFramesPerStream     int
	MaxTotalBytesPerStream int64
	IdleTimeout            time.Duration
	ReadTimeout            time.Duration
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.AckWindow <= 0 {
		c.AckWindow = 256 * 1024
	}
	if c.MaxFramesPerStream <= 0 {
		c.MaxFramesPerStream = 4096
	}
	if c.MaxTotalBytesPerStream <= 0 {
		c.MaxTotalBytesPerStream = 64 << 20
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	return c
}

// CapVerifier validates the capability blob a START frame carries.
// Passport verification lives in internal/passport; the connection only
// knows this function-shaped contract.
type CapVerifier func(ctx context.Context, cap []byte, tenant TenantID) error

// ObjectSink receives a completed stream's bytes at END. The returned
// status is echoed to the peer in the final RESP frame.
type ObjectSink interface {
	Commit(ctx context.Context, appProtoID uint16, tenant TenantID, topic string, data []byte) (StatusCode, error)
}

// RequestHandler answers single-frame request/response exchanges: a REQ
// frame on a corr_id with no open stream (no START) is offered here
// before being ignored. Handled=false passes the frame through to the
// default ignore path, so one connection can mix streams and RPCs.
type RequestHandler func(ctx context.Context, f *Frame) (code StatusCode, payload []byte, handled bool)

// dataHeader is the optional JSON header line a DATA payload may start
// with: `{"obj":"b3:<hex>"}\n<bytes>`. When present, the stream's bytes
// are verified against the claimed content id at END.
type dataHeader struct {
	Obj string `json:"obj"`
}

// ackPayload is the JSON body of an ACK (RESP) frame granting credit.
type ackPayload struct {
	Credit int `json:"credit"`
}

type streamState int

const (
	streamStarted streamState = iota
	streamEnded
	streamFailed
)

// stream is the per-corr_id state: accumulated bytes, frame/byte budgets,
// credit accounting, and the optional claimed object hash.
type stream struct {
	state            streamState
	appProtoID       uint16
	topic            string
	frames           int
	bytes            int64
	consumedSinceAck int
	body             bytes.Buffer
	claimedObj       string
	sawHeader        bool
}

// ServerConn drives one accepted connection: a single reader loop (this
// goroutine) and a single writer goroutine joined by a bounded frame
// queue. No lock is held across a blocking operation — per-stream state
// is owned entirely by the reader loop.
type ServerConn struct {
	cfg        ConnConfig
	conn       net.Conn
	sink       ObjectSink
	verify     CapVerifier
	reqHandler RequestHandler

	helloSeen bool
	streams   map[uint64]*stream
	writeQ    chan *Frame
}

// NewServerConn wraps an accepted connection. sink receives completed
// streams; verify may be nil to accept capability-free streams only.
func NewServerConn(conn net.Conn, cfg ConnConfig, sink ObjectSink, verify CapVerifier) *ServerConn {
	return &ServerConn{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		sink:    sink,
		verify:  verify,
		streams: make(map[uint64]*stream),
		writeQ:  make(chan *Frame, 64),
	}
}

// SetRequestHandler installs the single-frame RPC responder. Call before
// Serve; the handler runs on the reader goroutine.
func (s *ServerConn) SetRequestHandler(h RequestHandler) {
	s.reqHandler = h
}

// Serve runs the reader loop until the peer disconnects, a protocol error
// occurs, or ctx is canceled. The writer goroutine drains the bounded
// queue and flushes after every frame; a writer error tears the whole
// connection down, matching the reader's failure behavior.
func (s *ServerConn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan error, 1)
	go func() {
		err := s.writeLoop(ctx)
		if err != nil {
			// Closing the socket fails the reader's next Read; draining
			// keeps enqueue from blocking until Serve closes the queue.
			s.conn.Close()
			for range s.writeQ {
			}
		}
		writerDone <- err
	}()
	defer func() {
		close(s.writeQ)
		<-writerDone
		s.conn.Close()
	}()

	absolute := time.Now().Add(s.cfg.ReadTimeout)
	parser := NewParserState(0)
	readBuf := make([]byte, 32*1024)

	for {
		deadline := time.Now().Add(s.cfg.IdleTimeout)
		if absolute.Before(deadline) {
			deadline = absolute
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		n, err := s.conn.Read(readBuf)
		if n > 0 {
			if perr := parser.Push(readBuf[:n]); perr != nil {
				return &ProtocolError{Code: StatusPayloadTooLarge, Cause: perr}
			}
			frames, derr := parser.Drain()
			for _, f := range frames {
				kernel.GlobalMetrics().FramesIn.WithLabelValues(fmt.Sprint(f.Header.Code)).Inc()
				if herr := s.handleFrame(ctx, f); herr != nil {
					return herr
				}
			}
			if derr != nil {
				// A decode failure closes the connection; the code rides
				// along so transports can report it.
				return &ProtocolError{Code: StatusBadRequest, Cause: derr}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// handleFrame dispatches one decoded frame through the per-stream FSM.
// A returned error is fatal to the connection; stream-scoped failures are
// answered with an ERROR frame and tracked in the stream's state instead.
func (s *ServerConn) handleFrame(ctx context.Context, f *Frame) error {
	if IsHello(f) {
		return s.handleHello(f)
	}
	if !s.helloSeen {
		return fmt.Errorf("oap: frame before HELLO")
	}

	h := f.Header
	switch {
	case h.Flags.Has(FlagReq) && h.Flags.Has(FlagStart):
		return s.handleStart(ctx, f)
	case h.Flags.Has(FlagReq) && h.Flags.Has(FlagEnd):
		return s.handleEnd(ctx, f)
	case h.Flags.Has(FlagReq):
		if _, open := s.streams[h.CorrID]; !open {
			return s.handleRequest(ctx, f)
		}
		return s.handleData(f)
	default:
		// RESP/EVENT frames from a client are ignored rather than fatal:
		// a peer that already received our ERROR may still be flushing.
		return nil
	}
}

func (s *ServerConn) handleHello(f *Frame) error {
	if s.helloSeen {
		return fmt.Errorf("oap: repeated HELLO")
	}
	s.helloSeen = true

	reply, err := DefaultHelloReply().ToFrame(f.Header.TenantID, f.Header.CorrID)
	if err != nil {
		return err
	}
	s.enqueue(reply)
	return nil
}

func (s *ServerConn) handleStart(ctx context.Context, f *Frame) error {
	h := f.Header
	if h.AppProtoID == HelloAppProtoID {
		return fmt.Errorf("oap: START on reserved app_proto_id 0")
	}

	if len(f.Cap) > 0 {
		if s.verify == nil {
			s.failStream(h.CorrID, StatusUnauthorized, "capability presented but no verifier configured")
			return nil
		}
		if err := s.verify(ctx, f.Cap, h.TenantID); err != nil {
			s.failStream(h.CorrID, StatusForbidden, "capability rejected")
			return nil
		}
	}

	// A new START on a corr_id replaces any terminated stream there.
	st := &stream{state: streamStarted, appProtoID: h.AppProtoID, topic: string(f.Payload)}
	s.streams[h.CorrID] = st
	return nil
}

func (s *ServerConn) handleData(f *Frame) error {
	h := f.Header
	st, ok := s.streams[h.CorrID]
	if !ok || st.state != streamStarted {
		// Frames on a terminated or unknown stream are ignored until a
		// new START.
		return nil
	}

	st.frames++
	if st.frames > s.cfg.MaxFramesPerStream {
		s.failStream(h.CorrID, StatusPayloadTooLarge, "frame budget exceeded")
		return nil
	}

	body := f.Payload
	if !st.sawHeader {
		st.sawHeader = true
		if hdr, rest, ok := splitDataHeader(body); ok {
			st.claimedObj = hdr.Obj
			body = rest
		}
	}

	st.bytes += int64(len(body))
	if st.bytes > s.cfg.MaxTotalBytesPerStream {
		s.failStream(h.CorrID, StatusPayloadTooLarge, "byte budget exceeded")
		return nil
	}

	st.body.Write(body)

	// Credit-based ACK: once consumed bytes cross half the window, grant
	// the peer a fresh window.
	st.consumedSinceAck += len(body)
	if st.consumedSinceAck >= s.cfg.AckWindow/2 {
		st.consumedSinceAck = 0
		s.enqueueAck(h, s.cfg.AckWindow)
	}
	return nil
}

func (s *ServerConn) handleEnd(ctx context.Context, f *Frame) error {
	h := f.Header
	st, ok := s.streams[h.CorrID]
	if !ok || st.state != streamStarted {
		return nil
	}

	data := st.body.Bytes()
	if st.claimedObj != "" {
		if computed := naming.NewContentID(data); string(computed) != st.claimedObj {
			s.failStream(h.CorrID, StatusBadRequest, "content hash mismatch")
			return nil
		}
	}

	code := StatusOK
	if s.sink != nil {
		var err error
		code, err = s.sink.Commit(ctx, st.appProtoID, h.TenantID, st.topic, data)
		if err != nil {
			slog.Warn("oap: stream commit failed", "corr_id", h.CorrID, "error", err)
			if code < 400 {
				code = StatusInternal
			}
		}
	}

	st.state = streamEnded
	s.enqueue(&Frame{Header: Header{
		Ver:        Version,
		Flags:      FlagResp | FlagEnd,
		Code:       code,
		AppProtoID: st.appProtoID,
		TenantID:   h.TenantID,
		CorrID:     h.CorrID,
	}})
	return nil
}

// handleRequest offers a streamless REQ frame to the installed RPC
// responder and echoes its answer. Unhandled frames are ignored, the
// same treatment a DATA frame on an unknown corr_id gets.
func (s *ServerConn) handleRequest(ctx context.Context, f *Frame) error {
	if s.reqHandler == nil {
		return nil
	}
	code, payload, handled := s.reqHandler(ctx, f)
	if !handled {
		return nil
	}
	s.enqueue(&Frame{
		Header: Header{
			Ver:        Version,
			Flags:      FlagResp,
			Code:       code,
			AppProtoID: f.Header.AppProtoID,
			TenantID:   f.Header.TenantID,
			CorrID:     f.Header.CorrID,
		},
		Payload: payload,
	})
	return nil
}

// failStream marks the stream failed and emits an ERROR frame; further
// frames on this corr_id are ignored until a new START.
func (s *ServerConn) failStream(corrID uint64, code StatusCode, reason string) {
	st, ok := s.streams[corrID]
	if ok {
		st.state = streamFailed
	} else {
		s.streams[corrID] = &stream{state: streamFailed}
	}
	s.enqueue(&Frame{
		Header: Header{
			Ver:    Version,
			Flags:  FlagResp,
			Code:   code,
			CorrID: corrID,
		},
		Payload: []byte(reason),
	})
}

func (s *ServerConn) enqueueAck(h Header, credit int) {
	payload, _ := json.Marshal(ackPayload{Credit: credit})
	s.enqueue(&Frame{
		Header: Header{
			Ver:        Version,
			Flags:      FlagResp | FlagAckReq,
			Code:       StatusOK,
			AppProtoID: h.AppProtoID,
			TenantID:   h.TenantID,
			CorrID:     h.CorrID,
		},
		Payload: payload,
	})
}

// enqueue hands a frame to the writer. The queue is bounded; a full queue
// means the peer is not draining our responses, so blocking here is
// cooperative backpressure, not a bug.
func (s *ServerConn) enqueue(f *Frame) {
	s.writeQ <- f
}

func (s *ServerConn) writeLoop(ctx context.Context) error {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-s.writeQ:
			if !ok {
				return nil
			}
			if err := WriteFrame(w, f); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			kernel.GlobalMetrics().FramesOut.WithLabelValues(fmt.Sprint(f.Header.Code)).Inc()
		}
	}
}

// splitDataHeader splits an optional `{...}\n` JSON prefix off a DATA
// payload. Payloads that don't start with '{' are all body.
func splitDataHeader(payload []byte) (dataHeader, []byte, bool) {
	var hdr dataHeader
	if len(payload) == 0 || payload[0] != '{' {
		return hdr, payload, false
	}
	nl := bytes.IndexByte(payload, '\n')
	if nl < 0 {
		return hdr, payload, false
	}
	if err := json.Unmarshal(payload[:nl], &hdr); err != nil {
		return hdr, payload, false
	}
	return hdr, payload[nl+1:], true
}
