// Package client is the embeddable OAP/1 SDK: HELLO negotiation and
// streamed object uploads over a single connection — a typed struct
// wrapping the raw transport with helper methods returning typed
// results.
//
// Quick start:
//
//	c, err := client.Dial(ctx, client.Config{Addr: "node.example:9443"})
//	if err != nil { ... }
//	defer c.Close()
//
//	res, err := c.PutObject(ctx, "demo/topic", data)
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rustyonions/overlay/internal/naming"
	"github.com/rustyonions/overlay/internal/oap"
)

// Config holds the client settings.
type Config struct {
	// Addr is the node's OAP listener address (required).
	Addr string

	// TenantID scopes every frame this client sends.
	TenantID oap.TenantID

	// Token is an optional capability, carried on each stream's START.
	Token []byte

	// UA is reported during HELLO.
	UA string

	// DialTimeout bounds connection setup (default 5s).
	DialTimeout time.Duration
}

// Client is one negotiated OAP connection. Methods are safe to call
// sequentially; concurrent uploads should use one Client each.
type Client struct {
	cfg   Config
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	corr  atomic.Uint64
	hello oap.HelloReply
}

// PutResult is the outcome of a completed upload stream.
type PutResult struct {
	CID    naming.ContentID
	Len    int64
	Status oap.StatusCode
}

// Dial connects and performs the HELLO exchange.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.Addr, err)
	}

	c := &Client{
		cfg:  cfg,
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
	if err := c.sayHello(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// ServerLimits returns what the server advertised at HELLO.
func (c *Client) ServerLimits() oap.HelloReply { return c.hello }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) sayHello(ctx context.Context) error {
	corr := c.corr.Add(1)
	hello, err := oap.Hello{UA: c.cfg.UA}.ToFrame(c.cfg.TenantID, corr)
	if err != nil {
		return err
	}
	if err := c.send(hello); err != nil {
		return err
	}

	resp, err := c.recv(ctx)
	if err != nil {
		return err
	}
	if resp.Header.Code != oap.StatusOK {
		return fmt.Errorf("client: HELLO rejected with status %d", resp.Header.Code)
	}
	reply, err := oap.HelloReplyFromFrame(resp)
	if err != nil {
		return err
	}
	c.hello = reply
	return nil
}

// PutObject streams data to the node under topic: START, chunked DATA
// with the content-id claim in the first chunk's header, END, then the
// final status. The server verifies the claim and rejects a mismatch.
func (c *Client) PutObject(ctx context.Context, topic string, data []byte) (PutResult, error) {
	cid := naming.NewContentID(data)
	corr := c.corr.Add(1)

	start := &oap.Frame{
		Header: oap.Header{
			Ver:        oap.Version,
			Flags:      oap.FlagReq | oap.FlagStart,
			AppProtoID: oap.TileGetAppProtoID,
			TenantID:   c.cfg.TenantID,
			CorrID:     corr,
		},
		Cap:     c.cfg.Token,
		Payload: []byte(topic),
	}
	if err := c.send(start); err != nil {
		return PutResult{}, err
	}

	// First DATA chunk carries the object claim header; the rest are
	// raw bytes cut at the protocol chunk size.
	hdr, err := json.Marshal(struct {
		Obj string `json:"obj"`
	}{Obj: string(cid)})
	if err != nil {
		return PutResult{}, err
	}

	remaining := data
	first := true
	credit := int64(c.serverWindow())
	for len(remaining) > 0 || first {
		n := len(remaining)
		if n > oap.ChunkSize {
			n = oap.ChunkSize
		}
		payload := remaining[:n]
		if first {
			payload = append(append(append([]byte(nil), hdr...), '\n'), payload...)
			first = false
		}
		remaining = remaining[n:]

		chunk := &oap.Frame{
			Header: oap.Header{
				Ver:        oap.Version,
				Flags:      oap.FlagReq,
				AppProtoID: oap.TileGetAppProtoID,
				TenantID:   c.cfg.TenantID,
				CorrID:     corr,
			},
			Payload: payload,
		}
		if err := c.send(chunk); err != nil {
			return PutResult{}, err
		}

		// Cooperative flow control: block for an ACK once the credit
		// window is exhausted.
		credit -= int64(n)
		for credit <= 0 {
			f, rerr := c.recv(ctx)
			if rerr != nil {
				return PutResult{}, rerr
			}
			if f.Header.CorrID != corr {
				continue
			}
			if f.Header.Code >= 400 {
				return PutResult{Status: f.Header.Code}, fmt.Errorf("client: stream error %d", f.Header.Code)
			}
			if f.Header.Flags.Has(oap.FlagAckReq) {
				var ack struct {
					Credit int `json:"credit"`
				}
				_ = json.Unmarshal(f.Payload, &ack)
				credit += int64(ack.Credit)
			}
		}
	}

	end := &oap.Frame{
		Header: oap.Header{
			Ver:        oap.Version,
			Flags:      oap.FlagReq | oap.FlagEnd,
			AppProtoID: oap.TileGetAppProtoID,
			TenantID:   c.cfg.TenantID,
			CorrID:     corr,
		},
	}
	if err := c.send(end); err != nil {
		return PutResult{}, err
	}

	// Drain ACKs until the final END response arrives.
	for {
		f, err := c.recv(ctx)
		if err != nil {
			return PutResult{}, err
		}
		if f.Header.CorrID != corr {
			continue
		}
		if f.Header.Flags.Has(oap.FlagEnd) || f.Header.Code >= 400 {
			res := PutResult{CID: cid, Len: int64(len(data)), Status: f.Header.Code}
			if f.Header.Code >= 400 {
				return res, fmt.Errorf("client: upload rejected with status %d", f.Header.Code)
			}
			return res, nil
		}
	}
}

func (c *Client) serverWindow() int {
	if c.hello.MaxFrame == 0 {
		return 256 * 1024
	}
	// The server grants in ack_window units; until the first ACK we
	// assume one window of the protocol default.
	return 256 * 1024
}

func (c *Client) send(f *oap.Frame) error {
	if err := oap.WriteFrame(c.bw, f); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Client) recv(ctx context.Context) (*oap.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return oap.ReadFrame(c.br)
}
