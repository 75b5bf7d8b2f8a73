package overlay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rustyonions/overlay/internal/kernel"
	"github.com/rustyonions/overlay/internal/oap"
)

// ListenerConfig bounds the accept loop.
type ListenerConfig struct {
	MaxConns int
	Conn     oap.ConnConfig
}

// Listener accepts peer connections, performs the capability handshake,
// and runs each accepted connection's OAP server loop. Connections over
// MaxConns are dropped immediately with a counter increment rather than
// queued.
type Listener struct {
	cfg        ListenerConfig
	sink       oap.ObjectSink
	verify     oap.CapVerifier
	reqHandler oap.RequestHandler

	active  atomic.Int64
	dropped atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewListener(cfg ListenerConfig, sink oap.ObjectSink, verify oap.CapVerifier) *Listener {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4096
	}
	return &Listener{
		cfg:    cfg,
		sink:   sink,
		verify: verify,
		conns:  make(map[net.Conn]struct{}),
	}
}

// WithRequestHandler mounts a single-frame RPC responder (FindNode) on
// every accepted connection.
func (l *Listener) WithRequestHandler(h oap.RequestHandler) *Listener {
	l.reqHandler = h
	return l
}

// Run accepts on ln until ctx is canceled. It flips the overlay
// readiness gate once the listener is bound and serving.
func (l *Listener) Run(ctx context.Context, ln net.Listener, ready *kernel.Readiness) error {
	if ready != nil {
		ready.Set(kernel.GateOverlay, true)
	}
	defer func() {
		if ready != nil {
			ready.Set(kernel.GateOverlay, false)
		}
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
		l.mu.Lock()
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if l.active.Load() >= int64(l.cfg.MaxConns) {
			l.dropped.Add(1)
			conn.Close()
			continue
		}

		l.active.Add(1)
		l.track(conn, true)
		go func() {
			defer func() {
				l.track(conn, false)
				l.active.Add(-1)
			}()
			l.serveConn(ctx, conn)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	negotiated, err := handshake(conn, LocalCaps)
	if err != nil {
		slog.Debug("overlay: handshake failed", "peer", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	slog.Debug("overlay: peer connected", "peer", conn.RemoteAddr(), "caps", negotiated)

	srv := oap.NewServerConn(conn, l.cfg.Conn, l.sink, l.verify)
	if l.reqHandler != nil {
		srv.SetRequestHandler(l.reqHandler)
	}
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Debug("overlay: connection closed", "peer", conn.RemoteAddr(), "error", err)
	}
}

func (l *Listener) track(conn net.Conn, add bool) {
	l.mu.Lock()
	if add {
		l.conns[conn] = struct{}{}
	} else {
		delete(l.conns, conn)
	}
	l.mu.Unlock()
}

// ActiveConns reports the current connection count.
func (l *Listener) ActiveConns() int64 { return l.active.Load() }

// DroppedConns reports accepts refused for being over MaxConns.
func (l *Listener) DroppedConns() uint64 { return l.dropped.Load() }
