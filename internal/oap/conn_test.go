package oap

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyonions/overlay/internal/naming"
)

// recordingSink captures committed streams.
type recordingSink struct {
	topic string
	data  []byte
	calls int
}

func (r *recordingSink) Commit(ctx context.Context, appProtoID uint16, tenant TenantID, topic string, data []byte) (StatusCode, error) {
	r.calls++
	r.topic = topic
	r.data = append([]byte(nil), data...)
	return StatusOK, nil
}

type testPeer struct {
	t    *testing.T
	conn net.Conn
}

func (p *testPeer) send(f *Frame) {
	p.t.Helper()
	require.NoError(p.t, WriteFrame(p.conn, f))
}

func (p *testPeer) recv(timeout time.Duration) *Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(timeout)))
	f, err := ReadFrame(p.conn)
	require.NoError(p.t, err)
	return f
}

func (p *testPeer) recvTimesOut(timeout time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(timeout)))
	_, err := ReadFrame(p.conn)
	require.Error(p.t, err, "expected no frame")
}

func startServer(t *testing.T, sink ObjectSink, verify CapVerifier) (*testPeer, chan error) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	srv := NewServerConn(serverSide, ConnConfig{}, sink, verify)
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		clientSide.Close()
	})
	go func() { done <- srv.Serve(ctx) }()

	return &testPeer{t: t, conn: clientSide}, done
}

func helloExchange(t *testing.T, peer *testPeer) {
	t.Helper()
	hf, err := Hello{UA: "conn-test"}.ToFrame(TenantID{}, 1)
	require.NoError(t, err)
	peer.send(hf)

	resp := peer.recv(2 * time.Second)
	assert.Equal(t, StatusOK, resp.Header.Code)
	reply, err := HelloReplyFromFrame(resp)
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxFrameBytes), reply.MaxFrame)
}

func TestServerConn_UploadStream(t *testing.T) {
	sink := &recordingSink{}
	peer, _ := startServer(t, sink, nil)

	helloExchange(t, peer)

	body := []byte("abc123")
	cid := naming.NewContentID(body)
	corr := uint64(7)

	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq | FlagStart, AppProtoID: 0x0301, CorrID: corr},
		Payload: []byte("demo/topic"),
	})

	hdr, _ := json.Marshal(map[string]string{"obj": string(cid)})
	payload := append(append(hdr, '\n'), body...)
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq, AppProtoID: 0x0301, CorrID: corr},
		Payload: payload,
	})

	peer.send(&Frame{
		Header: Header{Ver: Version, Flags: FlagReq | FlagEnd, AppProtoID: 0x0301, CorrID: corr},
	})

	final := peer.recv(2 * time.Second)
	assert.Equal(t, StatusOK, final.Header.Code)
	assert.True(t, final.Header.Flags.Has(FlagEnd))
	assert.Equal(t, corr, final.Header.CorrID)

	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "demo/topic", sink.topic)
	assert.Equal(t, body, sink.data)
}

func TestServerConn_HashMismatchEmitsErrorAndIgnoresEnd(t *testing.T) {
	sink := &recordingSink{}
	peer, _ := startServer(t, sink, nil)

	helloExchange(t, peer)

	corr := uint64(9)
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq | FlagStart, AppProtoID: 0x0301, CorrID: corr},
		Payload: []byte("demo/topic"),
	})

	// Claim the zero hash for bytes that hash to something else.
	hdr, _ := json.Marshal(map[string]string{"obj": "b3:" + zeros(64)})
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq, AppProtoID: 0x0301, CorrID: corr},
		Payload: append(append(hdr, '\n'), []byte("abc123")...),
	})
	peer.send(&Frame{
		Header: Header{Ver: Version, Flags: FlagReq | FlagEnd, AppProtoID: 0x0301, CorrID: corr},
	})

	errFrame := peer.recv(2 * time.Second)
	assert.Equal(t, StatusBadRequest, errFrame.Header.Code)
	assert.Equal(t, corr, errFrame.Header.CorrID)
	assert.Zero(t, sink.calls, "mismatched stream must not be committed")

	// A trailing END on the failed stream is ignored: no further frames.
	peer.send(&Frame{
		Header: Header{Ver: Version, Flags: FlagReq | FlagEnd, AppProtoID: 0x0301, CorrID: corr},
	})
	peer.recvTimesOut(300 * time.Millisecond)
}

func TestServerConn_RepeatedHelloIsFatal(t *testing.T) {
	peer, done := startServer(t, &recordingSink{}, nil)

	helloExchange(t, peer)

	hf, err := Hello{}.ToFrame(TenantID{}, 2)
	require.NoError(t, err)
	peer.send(hf)

	select {
	case srvErr := <-done:
		require.Error(t, srvErr)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close on repeated HELLO")
	}
}

func TestServerConn_CreditAcks(t *testing.T) {
	sink := &recordingSink{}
	clientSide, serverSide := net.Pipe()

	// Small window so one chunk crosses window/2.
	srv := NewServerConn(serverSide, ConnConfig{AckWindow: 16}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() { clientSide.Close() })

	peer := &testPeer{t: t, conn: clientSide}
	helloExchange(t, peer)

	corr := uint64(3)
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq | FlagStart, AppProtoID: 0x0301, CorrID: corr},
		Payload: []byte("t"),
	})
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq, AppProtoID: 0x0301, CorrID: corr},
		Payload: []byte("0123456789abcdef"), // 16 >= window/2
	})

	ack := peer.recv(2 * time.Second)
	assert.True(t, ack.Header.Flags.Has(FlagAckReq), "expected a credit ACK")
	var body struct {
		Credit int `json:"credit"`
	}
	require.NoError(t, json.Unmarshal(ack.Payload, &body))
	assert.Equal(t, 16, body.Credit)
}

func TestServerConn_RequestDispatch(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	srv := NewServerConn(serverSide, ConnConfig{}, &recordingSink{}, nil)
	srv.SetRequestHandler(func(ctx context.Context, f *Frame) (StatusCode, []byte, bool) {
		if f.Header.AppProtoID != 0x0401 {
			return 0, nil, false
		}
		return StatusOK, append([]byte("echo:"), f.Payload...), true
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() { clientSide.Close() })
	peer := &testPeer{t: t, conn: clientSide}

	helloExchange(t, peer)

	// A streamless REQ on the registered app_proto_id gets a RESP.
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq, AppProtoID: 0x0401, CorrID: 11},
		Payload: []byte("ping"),
	})
	resp := peer.recv(2 * time.Second)
	assert.Equal(t, StatusOK, resp.Header.Code)
	assert.Equal(t, uint64(11), resp.Header.CorrID)
	assert.Equal(t, []byte("echo:ping"), resp.Payload)

	// Unregistered app_proto_ids fall through to the ignore path.
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq, AppProtoID: 0x0999, CorrID: 12},
		Payload: []byte("ping"),
	})
	peer.recvTimesOut(300 * time.Millisecond)

	// An open stream on the same app_proto_id still routes to DATA, not
	// the responder.
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq | FlagStart, AppProtoID: 0x0401, CorrID: 13},
		Payload: []byte("topic"),
	})
	peer.send(&Frame{
		Header:  Header{Ver: Version, Flags: FlagReq, AppProtoID: 0x0401, CorrID: 13},
		Payload: []byte("stream data"),
	})
	peer.recvTimesOut(300 * time.Millisecond)
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
