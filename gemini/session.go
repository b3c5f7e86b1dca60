package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

const (
	// DefaultEndpoint is the Gemini Live bidirectional streaming endpoint
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	// DefaultVoice is used when the client does not pick one.
	// Available voices: Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
	DefaultVoice = "Zephyr"

	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// State is the lifecycle state of an upstream session
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig is the per-session setup sent to Gemini
type SessionConfig struct {
	Model        string
	Voice        string
	SystemPrompt string
}

// EventHandler receives every message Gemini sends after the setup acknowledgment
type EventHandler func(msg *genai.LiveServerMessage)

// Options controls how a Session reaches the Live API
type Options struct {
	APIKey       string
	Endpoint     string
	Model        string // used when the client config leaves it empty
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Session owns exactly one WebSocket connection to the Gemini Live API.
//
// A session is configured once, connected once, and closed once. Media may
// only flow after the setup handshake has been acknowledged.
type Session struct {
	opts Options
	log  logrus.FieldLogger

	mu      sync.Mutex
	state   State
	config  SessionConfig
	conn    *websocket.Conn
	handler EventHandler
	err     error

	writeMu sync.Mutex
	done    chan struct{}
}

// NewSession creates an unconfigured session
func NewSession(opts Options) *Session {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Session{
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
}

// Configure stores the session config. It may be called exactly once, before Connect.
func (s *Session) Configure(cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnconfigured {
		return stateError("configure", s.state)
	}
	if cfg.Model == "" {
		cfg.Model = s.opts.Model
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}

	s.config = cfg
	s.state = StateConfigured
	return nil
}

// Config returns the stored session config
func (s *Session) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the Live API, sends the setup frame and waits for its
// acknowledgment. The first reply from Gemini is returned as the ack.
func (s *Session) Connect(ctx context.Context) (*genai.LiveServerMessage, error) {
	s.mu.Lock()
	switch s.state {
	case StateUnconfigured:
		s.mu.Unlock()
		return nil, ErrConfigMissing
	case StateConfigured:
	default:
		state := s.state
		s.mu.Unlock()
		return nil, stateError("connect", state)
	}
	s.state = StateConnecting
	cfg := s.config
	s.mu.Unlock()

	ack, err := s.handshake(ctx, cfg)
	if err != nil {
		s.fail(err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return nil, stateError("connect", s.state)
	}
	s.state = StateReady

	s.log.WithFields(logrus.Fields{
		"model": cfg.Model,
		"voice": cfg.Voice,
	}).Info("✅ Connected to Gemini Live")
	return ack, nil
}

func (s *Session) handshake(ctx context.Context, cfg SessionConfig) (*genai.LiveServerMessage, error) {
	target, err := s.endpointURL()
	if err != nil {
		return nil, &UpstreamError{Op: "dial", Err: err}
	}

	conn, _, err := s.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetupTimeout, ctx.Err())
		}
		return nil, &UpstreamError{Op: "dial", Err: err}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		_ = conn.Close()
		return nil, stateError("connect", state)
	}
	s.conn = conn
	s.mu.Unlock()

	// Closing the conn unblocks a pending ack read when ctx ends first
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ack, err := s.exchangeSetup(conn, cfg)
	if !stopWatch() {
		return nil, fmt.Errorf("%w: %w", ErrSetupTimeout, ctx.Err())
	}
	return ack, err
}

func (s *Session) exchangeSetup(conn *websocket.Conn, cfg SessionConfig) (*genai.LiveServerMessage, error) {
	payload, err := encodeSetup(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode setup: %w", err)
	}
	if err := s.writeFrame(conn, payload); err != nil {
		return nil, &UpstreamError{Op: "setup", Err: err}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, &UpstreamError{Op: "setup ack", Err: err}
	}

	ack, err := DecodeServerMessage(data)
	if err != nil {
		s.log.WithError(err).Warn("⚠️ Setup ack is not a server message, accepting it anyway")
		ack = &genai.LiveServerMessage{}
	}
	return ack, nil
}

func (s *Session) endpointURL() (string, error) {
	u, err := url.Parse(s.opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", s.opts.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendAudio forwards a base64 PCM chunk
func (s *Session) SendAudio(data string) error {
	payload, err := encodeMediaChunk(data, MIMETypeAudio)
	if err != nil {
		return fmt.Errorf("encode audio: %w", err)
	}
	return s.send("send audio", payload)
}

// SendImage forwards a base64 JPEG frame
func (s *Session) SendImage(data string) error {
	payload, err := encodeMediaChunk(data, MIMETypeImage)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return s.send("send image", payload)
}

// SendText sends a complete single-turn user message
func (s *Session) SendText(text string) error {
	payload, err := encodeTextTurn(text)
	if err != nil {
		return fmt.Errorf("encode text: %w", err)
	}
	return s.send("send text", payload)
}

func (s *Session) send(op string, payload []byte) error {
	s.mu.Lock()
	state, conn := s.state, s.conn
	s.mu.Unlock()

	if state != StateReady || conn == nil {
		return stateError(op, state)
	}
	if err := s.writeFrame(conn, payload); err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	return nil
}

func (s *Session) writeFrame(conn *websocket.Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Subscribe registers the single event handler and starts receiving.
// Events are delivered one at a time, in the order Gemini sent them.
func (s *Session) Subscribe(fn EventHandler) error {
	if fn == nil {
		return errors.New("nil event handler")
	}

	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return stateError("subscribe", state)
	}
	if s.handler != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: subscriber already registered", ErrInvalidState)
	}
	s.handler = fn
	conn := s.conn
	s.mu.Unlock()

	go s.receive(conn, fn)
	return nil
}

func (s *Session) receive(conn *websocket.Conn, fn EventHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.fail(&UpstreamError{Op: "receive", Err: err})
			return
		}

		msg, err := DecodeServerMessage(data)
		if err != nil {
			s.log.WithError(err).Warn("⚠️ Dropping undecodable Gemini message")
			continue
		}
		s.dispatch(fn, msg)
	}
}

func (s *Session) dispatch(fn EventHandler, msg *genai.LiveServerMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("❌ Gemini event handler panicked: %v", r)
		}
	}()
	fn(msg)
}

// Done is closed once the session reaches StateClosed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the upstream failure that closed the session, or nil if it was closed locally
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail moves the session to StateClosed because of an upstream error
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.err = err
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	close(s.done)
	s.log.WithError(err).Warn("❌ Gemini session failed")
}

// Close terminates the Gemini connection. Calling it more than once is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod),
	)
	s.log.Info("🔌 Gemini session closed")
	return conn.Close()
}
