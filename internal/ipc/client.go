package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to a local service socket. Calls are serialized
// on one connection; corr_ids match responses to callers.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	corr atomic.Uint64
}

func DialClient(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends one request and blocks for its response.
func (c *Client) Call(ctx context.Context, service, method, token string, payload []byte) (*Envelope, error) {
	req := &Envelope{
		Service: service,
		Method:  method,
		CorrID:  c.corr.Add(1),
		Token:   token,
		Payload: payload,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteEnvelope(c.conn, req); err != nil {
		return nil, err
	}
	resp, err := ReadEnvelope(c.conn)
	if err != nil {
		return nil, err
	}
	if resp.CorrID != req.CorrID {
		return nil, fmt.Errorf("ipc: corr_id mismatch: sent %d got %d", req.CorrID, resp.CorrID)
	}
	return resp, nil
}

func (c *Client) Close() error { return c.conn.Close() }
