package overlay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GossipNote is one gossip notification relayed to browser-reachable
// peers: a new provider advertisement or registry commit.
type GossipNote struct {
	Kind string `json:"kind"` // "provider" | "commit"
	CID  string `json:"cid,omitempty"`
	Node string `json:"node,omitempty"`
	Data string `json:"data,omitempty"`
}

// WSGossip relays gossip notifications over websockets for peers that
// cannot speak raw TCP (browsers behind the gateway): origin-checked
// upgrader, ping/pong keepalive ticker, write deadlines, one send
// channel per peer.
type WSGossip struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu    sync.RWMutex
	peers map[*websocket.Conn]chan []byte
}

func NewWSGossip(checkOrigin func(r *http.Request) bool) *WSGossip {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSGossip{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: log.New(log.Writer(), "[gossip] ", log.LstdFlags),
		peers:  make(map[*websocket.Conn]chan []byte),
	}
}

// ServeHTTP upgrades the request and joins the peer to the relay.
func (g *WSGossip) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade failed: %v", err)
		return
	}

	send := make(chan []byte, 64)
	g.mu.Lock()
	g.peers[conn] = send
	g.mu.Unlock()

	go g.writePump(conn, send)
	g.readPump(conn)
}

// Broadcast fans a note out to every connected peer. Full send buffers
// are skipped, never blocked on.
func (g *WSGossip) Broadcast(note GossipNote) {
	data, err := json.Marshal(note)
	if err != nil {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, send := range g.peers {
		select {
		case send <- data:
		default:
		}
	}
}

// PeerCount reports connected websocket peers.
func (g *WSGossip) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

func (g *WSGossip) drop(conn *websocket.Conn) {
	g.mu.Lock()
	if send, ok := g.peers[conn]; ok {
		delete(g.peers, conn)
		close(send)
	}
	g.mu.Unlock()
	conn.Close()
}

func (g *WSGossip) readPump(conn *websocket.Conn) {
	const pongWait = 60 * time.Second
	defer g.drop(conn)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Gossip peers are receive-only; inbound frames just refresh the
		// deadline until the peer goes away.
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.Printf("peer read error: %v", err)
			}
			return
		}
	}
}

func (g *WSGossip) writePump(conn *websocket.Conn, send <-chan []byte) {
	const (
		pingPeriod = 30 * time.Second
		writeWait  = 10 * time.Second
	)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
