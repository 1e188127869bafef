package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay is a broadcast hub: every message a connection sends is forwarded
// to all connections, the sender included. Producers rely on seeing their
// own message come back.
type Relay struct {
	limit  rate.Limit
	burst  int
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*relayConn]struct{}
}

type relayConn struct {
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

// NewRelay returns a Relay that accepts at most ratePerSec messages per
// second from each connection, with the given burst.
func NewRelay(ratePerSec float64, burst int, logger *slog.Logger) *Relay {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	return &Relay{
		limit:  limit,
		burst:  burst,
		logger: logger,
		conns:  make(map[*relayConn]struct{}),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &relayConn{
		ws:      ws,
		send:    make(chan []byte, 32),
		limiter: rate.NewLimiter(r.limit, r.burst),
	}
	r.add(c)
	r.logger.Info("relay: client connected", "remote", req.RemoteAddr, "clients", r.Count())

	go c.writeLoop()
	defer func() {
		r.remove(c)
		ws.Close()
		r.logger.Info("relay: client disconnected", "remote", req.RemoteAddr, "clients", r.Count())
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			r.logger.Warn("relay: rate limited", "remote", req.RemoteAddr)
			continue
		}
		r.Broadcast(msg)
	}
}

func (c *relayConn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.ws.Close()
			// drain until remove closes the channel
			for range c.send {
			}
			return
		}
	}
}

// Broadcast queues msg for every connection. A connection whose buffer is
// full misses the message.
func (r *Relay) Broadcast(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		select {
		case c.send <- msg:
		default:
			r.logger.Warn("relay: slow client, message dropped", "remote", c.ws.RemoteAddr().String())
		}
	}
}

// Count returns the number of connected clients.
func (r *Relay) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Relay) add(c *relayConn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) remove(c *relayConn) {
	r.mu.Lock()
	if _, ok := r.conns[c]; ok {
		delete(r.conns, c)
		close(c.send)
	}
	r.mu.Unlock()
}
