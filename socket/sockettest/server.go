// Package sockettest provides an in-process WebSocket gateway for tests and
// demos. It accepts sessions the way the production gateway does (identity in
// the from_no and to_no query parameters), records every frame the client
// sends and lets the caller push events or drop connections.
package sockettest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/textsocket/debug"
)

var ErrTimeout = errors.New("sockettest: timed out")

// Received is one frame read from a client.
type Received struct {
	ConnID string
	From   string
	To     string
	Action string
	Data   []byte
}

type conn struct {
	id   string
	from string
	to   string

	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*conn
	accepted int
	rejected int
	reject   bool

	frames  chan Received
	changed chan struct{}
}

func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:   make(map[string]*conn),
		frames:  make(chan Received, 1024),
		changed: make(chan struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the ws:// address of the gateway.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Reject makes the gateway refuse upgrades with 503 until called with false.
func (s *Server) Reject(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reject = enabled
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.reject {
		s.rejected++
		s.mu.Unlock()
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Printf("sockettest: upgrade failed: %v", err)
		return
	}

	q := r.URL.Query()
	c := &conn{
		id:   uuid.NewString(),
		from: q.Get("from_no"),
		to:   q.Get("to_no"),
		ws:   ws,
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.accepted++
	s.notifyLocked()
	s.mu.Unlock()

	debug.Printf("sockettest: accepted %s (%s -> %s)", c.id, c.from, c.to)
	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.notifyLocked()
		s.mu.Unlock()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			debug.Printf("sockettest: %s read error: %v", c.id, err)
			return
		}

		var head struct {
			Action string `json:"action"`
		}
		_ = json.Unmarshal(data, &head)

		s.frames <- Received{ConnID: c.id, From: c.from, To: c.to, Action: head.Action, Data: data}
	}
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Next returns the next frame any client sent.
func (s *Server) Next(timeout time.Duration) (Received, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-time.After(timeout):
		return Received{}, ErrTimeout
	}
}

// NextN returns the next n frames in arrival order.
func (s *Server) NextN(n int, timeout time.Duration) ([]Received, error) {
	out := make([]Received, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case f := <-s.frames:
			out = append(out, f)
		case <-deadline:
			return out, ErrTimeout
		}
	}
	return out, nil
}

// Push writes v to every open connection. Strings and byte slices are sent
// verbatim; anything else is JSON encoded.
func (s *Server) Push(v any) error {
	var data []byte
	switch v := v.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = encoded
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.write(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DropAll closes every connection without a close handshake, as a network
// failure would.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.UnderlyingConn().Close()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Accepted returns the number of successful upgrades so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepted
}

func (s *Server) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rejected
}

// WaitConnections blocks until exactly n connections are open.
func (s *Server) WaitConnections(n int, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		count := len(s.conns)
		changed := s.changed
		s.mu.Unlock()

		if count == n {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrTimeout
		}
	}
}

// WaitAccepted blocks until at least n upgrades have succeeded.
func (s *Server) WaitAccepted(n int, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		count := s.accepted
		changed := s.changed
		s.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrTimeout
		}
	}
}
