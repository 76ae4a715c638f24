package push

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512
)

type Options struct {
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
}

// Gateway subscribes one backend listener per websocket.
type Gateway struct {
	sub      backend.Subscriber
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func New(sub backend.Subscriber, opts Options) *Gateway {
	g := &Gateway{sub: sub, conns: make(map[*conn]struct{})}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			_, ok := origins[r.Header.Get("Origin")]
			return ok
		},
	}
	return g
}

// Handler serves GET /v1/rooms/{room}/stream.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/rooms/{room}/stream", g.serveStream)
	return mux
}

func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	c := &conn{
		room: room,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if !g.track(c) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	sub, err := g.sub.Subscribe(room, c.sink)
	if err != nil {
		g.untrack(c)
		status := http.StatusServiceUnavailable
		if errors.Is(err, backend.ErrRejected) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		g.untrack(c)
		logger.Warn("push_upgrade_failed", "room", room, "error", err)
		return
	}
	c.ws = ws
	metrics.PushConnections.Inc()
	logger.Info("push_connected", "room", room, "remote", r.RemoteAddr)

	go c.readPump()
	c.writePump()

	sub.Close()
	_ = ws.Close()
	g.untrack(c)
	metrics.PushConnections.Dec()
	logger.Info("push_disconnected", "room", room, "remote", r.RemoteAddr)
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// Connections returns the number of open streams.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close sends going-away to every stream and waits for them to end.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closing = true
	for c := range g.conns {
		c.terminate(websocket.CloseGoingAway, "server shutting down")
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// conn holds at most one pending frame; a newer snapshot replaces an
// unsent one.
type conn struct {
	room string
	ws   *websocket.Conn

	mu        sync.Mutex
	pending   *Frame
	closeCode int
	closeText string

	wake chan struct{}
	done chan struct{}
}

func (c *conn) sink(snap backend.Snapshot, err error) {
	switch {
	case err == nil:
		c.offer(&Frame{Type: FrameSnapshot, Snapshot: &snap})
	case backend.IsTransient(err):
		logger.Warn("push_stream_transient", "room", c.room, "error", err)
	case errors.Is(err, backend.ErrRevoked):
		c.terminate(CloseRevoked, "room access revoked")
	default:
		logger.Error("push_stream_failed", "room", c.room, "error", err)
		c.terminate(websocket.CloseInternalServerErr, "stream failed")
	}
}

func (c *conn) offer(f *Frame) {
	c.mu.Lock()
	if c.closeCode != 0 {
		c.mu.Unlock()
		return
	}
	if c.pending != nil {
		metrics.Snapshots.WithLabelValues("coalesced").Inc()
	}
	c.pending = f
	c.mu.Unlock()
	c.signal()
}

func (c *conn) terminate(code int, text string) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode, c.closeText = code, text
	}
	c.mu.Unlock()
	c.signal()
}

func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) readPump() {
	defer close(c.done)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("push_read_failed", "room", c.room, "error", err)
			}
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.wake:
			c.mu.Lock()
			f := c.pending
			c.pending = nil
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()

			if f != nil && code == 0 {
				data, err := json.Marshal(f)
				if err != nil {
					logger.Error("push_encode_failed", "room", c.room, "error", err)
					continue
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
			if code != 0 {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
				// give the peer a moment to answer the close
				select {
				case <-c.done:
				case <-time.After(time.Second):
				}
				return
			}
		}
	}
}
