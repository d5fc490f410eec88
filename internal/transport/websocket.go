package transport

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 2 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// WebSocketSink pushes every payload as a text message to each connected
// client. A client whose queue is full misses the message.
type WebSocketSink struct {
	upgrader websocket.Upgrader
	allowed  []string

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewWebSocketSink returns a sink with no clients. Serve it over HTTP to
// accept them. Browsers may connect from the page's own host or from one of
// allowedOrigins, given as full origins ("https://dash.example") or hosts
// ("dash.example:8080").
func NewWebSocketSink(allowedOrigins ...string) *WebSocketSink {
	s := &WebSocketSink{
		allowed: allowedOrigins,
		clients: make(map[*wsClient]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts clients that send no Origin (not a browser), the
// same host as the request, or a configured origin.
func (s *WebSocketSink) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, a := range s.allowed {
		if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	logf("WebSocket origin %s refused for %s", origin, r.RemoteAddr)
	return false
}

// ServeHTTP upgrades the request and registers the client.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	logf("WebSocket client %s connected (%d total)", r.RemoteAddr, n)

	go s.writeLoop(c)
	go s.readLoop(c)
}

// Clients returns the number of connected clients.
func (s *WebSocketSink) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped returns how many messages were skipped for slow clients.
func (s *WebSocketSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Publish implements Sink. The topic is not sent; every client gets every
// payload.
func (s *WebSocketSink) Publish(_ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Close disconnects every client and refuses new ones.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	return nil
}

func (s *WebSocketSink) remove(c *wsClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.close()
		logf("WebSocket client %s disconnected", c.conn.RemoteAddr())
	}
}

// readLoop discards incoming messages and notices when the client goes away.
func (s *WebSocketSink) readLoop(c *wsClient) {
	defer s.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logf("WebSocket read from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (s *WebSocketSink) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
