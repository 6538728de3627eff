// Package feedtest provides a fake streaming quote server for tests.
package feedtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a control frame received from a client.
type Frame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// Trade is one row of an outgoing trade frame.
type Trade struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Time   int64   `json:"t"`
	Volume float64 `json:"v"`
}

type Server struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	writeM sync.Mutex
	frames []Frame
	tokens []string

	frameCh chan Frame
	connCh  chan struct{}
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		frameCh: make(chan Frame, 256),
		connCh:  make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()
		s.connCh <- struct{}{}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
			select {
			case s.frameCh <- f:
			default:
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// URL is the ws:// address of the server.
func (s *Server) URL() string {
	return strings.Replace(s.srv.URL, "http://", "ws://", 1)
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// Frames returns every control frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Tokens returns the token query parameter of every connection, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitConnection blocks until a client has connected.
func (s *Server) WaitConnection(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.connCh:
	case <-time.After(timeout):
		t.Fatalf("no client connected within %v", timeout)
	}
}

// WaitFrames blocks until n more control frames arrive and returns them.
func (s *Server) WaitFrames(t testing.TB, n int, timeout time.Duration) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case f := <-s.frameCh:
			out = append(out, f)
		case <-deadline:
			t.Fatalf("got %d frames want %d: %+v", len(out), n, out)
		}
	}
	return out
}

// NoFrames asserts that nothing arrives within wait.
func (s *Server) NoFrames(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case f := <-s.frameCh:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(wait):
	}
}

// SendTrades writes one trade frame to the most recent connection.
func (s *Server) SendTrades(t testing.TB, trades ...Trade) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": "trade", "data": trades})
	if err != nil {
		t.Fatal(err)
	}
	s.SendRaw(t, b)
}

// SendRaw writes an arbitrary text frame to the most recent connection.
func (s *Server) SendRaw(t testing.TB, b []byte) {
	t.Helper()
	s.mu.Lock()
	var c *websocket.Conn
	if len(s.conns) > 0 {
		c = s.conns[len(s.conns)-1]
	}
	s.mu.Unlock()
	if c == nil {
		t.Fatal("no connection to write to")
	}
	s.writeM.Lock()
	defer s.writeM.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// DropConnections closes every server side socket without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}
