// Package geminitest provides a fake Gemini Live endpoint for tests.
package geminitest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// SetupComplete is the acknowledgment sent after the first client frame
const SetupComplete = `{"setupComplete":{}}`

// Options changes how the fake answers the setup handshake
type Options struct {
	// Silent never acknowledges setup
	Silent bool
	// RejectSetup closes the connection with an error instead of acknowledging
	RejectSetup bool
}

// Server records every frame it receives and hands acknowledged
// connections to the test so it can push server events.
type Server struct {
	*httptest.Server

	Frames  chan []byte
	Conns   chan *websocket.Conn
	Queries chan url.Values

	// Disconnects receives the read error that ended each connection
	Disconnects chan error
}

// NewServer starts a fake Live endpoint. Callers must Close it.
func NewServer(opts Options) *Server {
	s := &Server{
		Frames:  make(chan []byte, 256),
		Conns:   make(chan *websocket.Conn, 16),
		Queries: make(chan url.Values, 16),

		Disconnects: make(chan error, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		first := true
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case s.Disconnects <- err:
				default:
				}
				return
			}
			s.Frames <- data
			if !first {
				continue
			}
			first = false

			switch {
			case opts.RejectSetup:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid setup"),
					time.Now().Add(time.Second))
				return
			case opts.Silent:
			default:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(SetupComplete)); err != nil {
					return
				}
				s.Conns <- conn
			}
		}
	}))
	return s
}

// WSURL returns the ws:// endpoint of the fake
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// NextFrame waits for the next frame a client sent and decodes it
func (s *Server) NextFrame(t testing.TB) map[string]any {
	t.Helper()
	select {
	case data := <-s.Frames:
		var out map[string]any
		if err := sonic.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode upstream frame %q: %v", data, err)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return nil
	}
}

// NextConn waits for the next acknowledged connection
func (s *Server) NextConn(t testing.TB) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.Conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream connection")
		return nil
	}
}

// NextDisconnect waits for a connection to end and returns its read error
func (s *Server) NextDisconnect(t testing.TB) error {
	t.Helper()
	select {
	case err := <-s.Disconnects:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream disconnect")
		return nil
	}
}

// Push writes a raw server event on an acknowledged connection
func Push(t testing.TB, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push upstream event: %v", err)
	}
}
