package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyonions/overlay/internal/dht"
	"github.com/rustyonions/overlay/internal/oap"
)

// FindNodeAppProtoID is the reserved app_proto_id for routing-table
// queries between peers.
const FindNodeAppProtoID = 0x0401

// PeerConn is an outbound connection to a remote peer. A single writer
// goroutine owns the socket's write half; every producer enqueues frames
// through a bounded channel, which guarantees ordering and prevents
// interleaved frames. Responses are matched to callers by corr_id.
type PeerConn struct {
	conn net.Conn
	caps uint32

	nextCorr atomic.Uint64
	writeQ   chan *oap.Frame

	mu      sync.Mutex
	pending map[uint64]chan *oap.Frame
	closed  bool

	done chan struct{}
}

// Dial connects, performs the capability handshake plus the OAP HELLO,
// and starts the reader/writer tasks.
func Dial(ctx context.Context, addr string) (*PeerConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: dial %s: %w", addr, err)
	}

	caps, err := handshake(conn, LocalCaps)
	if err != nil {
		conn.Close()
		return nil, err
	}

	pc := &PeerConn{
		conn:    conn,
		caps:    caps,
		writeQ:  make(chan *oap.Frame, 64),
		pending: make(map[uint64]chan *oap.Frame),
		done:    make(chan struct{}),
	}

	// HELLO runs inline before the pumps start so the exchange owns the
	// socket exclusively.
	if err := pc.sayHello(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go pc.writeLoop()
	go pc.readLoop()
	return pc, nil
}

func (pc *PeerConn) sayHello(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = pc.conn.SetDeadline(deadline)
		defer pc.conn.SetDeadline(time.Time{})
	}

	hf, err := oap.Hello{UA: "overlay-peer"}.ToFrame(oap.TenantID{}, pc.nextCorr.Add(1))
	if err != nil {
		return err
	}
	if err := oap.WriteFrame(pc.conn, hf); err != nil {
		return fmt.Errorf("overlay: hello write: %w", err)
	}
	reply, err := oap.ReadFrame(pc.conn)
	if err != nil {
		return fmt.Errorf("overlay: hello read: %w", err)
	}
	if reply.Header.Code != oap.StatusOK {
		return fmt.Errorf("overlay: hello rejected with status %d", reply.Header.Code)
	}
	return nil
}

// Caps returns the negotiated capability bits.
func (pc *PeerConn) Caps() uint32 { return pc.caps }

// Call sends a REQ frame and waits for the RESP carrying the same
// corr_id, or until ctx expires.
func (pc *PeerConn) Call(ctx context.Context, appProtoID uint16, flags oap.Flags, cap, payload []byte) (*oap.Frame, error) {
	corr := pc.nextCorr.Add(1)

	ch := make(chan *oap.Frame, 1)
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, errors.New("overlay: connection closed")
	}
	pc.pending[corr] = ch
	pc.mu.Unlock()
	defer func() {
		pc.mu.Lock()
		delete(pc.pending, corr)
		pc.mu.Unlock()
	}()

	f := &oap.Frame{
		Header: oap.Header{
			Ver:        oap.Version,
			Flags:      oap.FlagReq | flags,
			AppProtoID: appProtoID,
			CorrID:     corr,
		},
		Cap:     cap,
		Payload: payload,
	}

	select {
	case pc.writeQ <- f:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.done:
		return nil, errors.New("overlay: connection closed")
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.done:
		return nil, errors.New("overlay: connection closed")
	}
}

// Send enqueues a fire-and-forget frame (gossip notifications).
func (pc *PeerConn) Send(ctx context.Context, f *oap.Frame) error {
	select {
	case pc.writeQ <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-pc.done:
		return errors.New("overlay: connection closed")
	}
}

func (pc *PeerConn) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.mu.Unlock()
	close(pc.done)
	return pc.conn.Close()
}

func (pc *PeerConn) writeLoop() {
	w := bufio.NewWriter(pc.conn)
	for {
		select {
		case <-pc.done:
			return
		case f := <-pc.writeQ:
			if err := oap.WriteFrame(w, f); err != nil {
				pc.Close()
				return
			}
			if err := w.Flush(); err != nil {
				pc.Close()
				return
			}
		}
	}
}

func (pc *PeerConn) readLoop() {
	defer pc.Close()
	parser := oap.NewParserState(0)
	buf := make([]byte, 32*1024)

	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			if perr := parser.Push(buf[:n]); perr != nil {
				return
			}
			frames, derr := parser.Drain()
			for _, f := range frames {
				pc.dispatch(f)
			}
			if derr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (pc *PeerConn) dispatch(f *oap.Frame) {
	if !f.Header.Flags.Has(oap.FlagResp) {
		return
	}
	pc.mu.Lock()
	ch, ok := pc.pending[f.Header.CorrID]
	pc.mu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// findNodeRequest/findNodeResponse are the FindNode RPC payloads.
type findNodeRequest struct {
	Target string `json:"target"`
}

type findNodePeer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type findNodeResponse struct {
	Peers []findNodePeer `json:"peers"`
}

// FindNodeQuerier adapts a dialer into the dht.FindNodeFunc contract,
// dialing the peer fresh per leg so every leg is independently
// cancel-safe. Production deployments pool connections above this.
func FindNodeQuerier() dht.FindNodeFunc {
	return func(ctx context.Context, peer dht.Peer, target dht.NodeID) ([]dht.Peer, error) {
		pc, err := Dial(ctx, peer.Addr)
		if err != nil {
			return nil, err
		}
		defer pc.Close()

		payload, err := json.Marshal(findNodeRequest{Target: target.String()})
		if err != nil {
			return nil, err
		}
		resp, err := pc.Call(ctx, FindNodeAppProtoID, 0, nil, payload)
		if err != nil {
			return nil, err
		}
		if resp.Header.Code >= 400 {
			return nil, fmt.Errorf("overlay: find_node status %d", resp.Header.Code)
		}

		var body findNodeResponse
		if err := json.Unmarshal(resp.Payload, &body); err != nil {
			return nil, err
		}
		out := make([]dht.Peer, 0, len(body.Peers))
		for _, p := range body.Peers {
			id, perr := dht.ParseNodeID(p.ID)
			if perr != nil {
				continue
			}
			out = append(out, dht.Peer{ID: id, Addr: p.Addr, LastSeen: time.Now()})
		}
		return out, nil
	}
}
