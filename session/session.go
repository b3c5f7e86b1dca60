package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/room4-2/live-relay/gemini"
	"github.com/room4-2/live-relay/messages"
)

const (
	writeBufferSize     = 256
	maxMessageSize      = 1024 * 1024 // base64 camera frames are the largest client frames
	defaultWriteTimeout = 10 * time.Second
	defaultSetupTimeout = 10 * time.Second
)

// Options wires a ClientSession to its collaborators
type Options struct {
	NewUpstream  UpstreamFactory
	Registry     *Registry
	SetupTimeout time.Duration
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
}

// ClientSession represents a single browser connection and the Gemini
// session it drives. The upstream is created by the first config frame.
type ClientSession struct {
	ID         string
	ClientConn *websocket.Conn
	CreatedAt  time.Time

	registry     *Registry
	newUpstream  UpstreamFactory
	setupTimeout time.Duration
	writeTimeout time.Duration
	log          logrus.FieldLogger

	// upstream is set from the config frame until the session ends, CONNECTING included
	upstream Upstream

	// ctx is cancelled by Close and bounds the setup handshake
	ctx    context.Context
	cancel context.CancelFunc

	// Use channels for ordered, single-writer output
	writeChan  chan *messages.ServerMessage
	writerDone chan struct{}

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
}

// NewClientSession creates a handler for an accepted client connection
func NewClientSession(id string, clientConn *websocket.Conn, opts Options) *ClientSession {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = defaultSetupTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	clientConn.SetReadLimit(maxMessageSize)
	ctx, cancel := context.WithCancel(context.Background())

	return &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    time.Now(),
		registry:     opts.Registry,
		newUpstream:  opts.NewUpstream,
		setupTimeout: opts.SetupTimeout,
		writeTimeout: opts.WriteTimeout,
		log:          log.WithField("session", ShortID(id)),
		ctx:          ctx,
		cancel:       cancel,
		writeChan:    make(chan *messages.ServerMessage, writeBufferSize),
		writerDone:   make(chan struct{}),
		CloseChan:    make(chan struct{}),
	}
}

// Start begins the bidirectional message handling
func (cs *ClientSession) Start() {
	go cs.writePump()
	go cs.handleClientMessages()
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	defer close(cs.writerDone)

	for {
		select {
		case <-cs.CloseChan:
			return
		case msg := <-cs.writeChan:
			payload, err := sonic.Marshal(msg)
			if err != nil {
				cs.log.WithError(err).Error("❌ Failed to encode client frame")
				continue
			}

			_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(cs.writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.TextMessage, payload); err != nil {
				cs.log.WithError(err).Warn("❌ Client write failed")
				// Unblocks the read loop, which owns cleanup
				_ = cs.ClientConn.Close()
				return
			}
		}
	}
}

// queueMessage hands a frame to the write pump, preserving order
func (cs *ClientSession) queueMessage(msg *messages.ServerMessage) {
	select {
	case cs.writeChan <- msg:
	case <-cs.writerDone:
	case <-cs.CloseChan:
	}
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		messageType, message, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.log.Info("👋 Client closed the connection")
			} else if !cs.IsClosed() {
				cs.log.WithError(err).Warn("❌ Client read error")
			}
			return
		}

		if messageType != websocket.TextMessage {
			cs.reportError(fmt.Errorf("%w: binary frames are not supported", messages.ErrMalformedFrame), "")
			continue
		}

		msg, err := messages.ParseClientMessage(message)
		if err != nil {
			cs.reportError(err, "")
			continue
		}

		cs.processClientMessage(msg)
	}
}

func (cs *ClientSession) processClientMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.TypeConfig:
		if err := cs.handleConfig(msg.Config); err != nil {
			cs.reportError(err, messages.ErrCodeSessionFailed)
		}

	case messages.TypeAudio:
		cs.forward(msg.Type, func(u Upstream) error { return u.SendAudio(msg.Data) })

	case messages.TypeImage:
		cs.forward(msg.Type, func(u Upstream) error { return u.SendImage(msg.Data) })

	case messages.TypeText:
		cs.forward(msg.Type, func(u Upstream) error { return u.SendText(msg.Data) })

	default:
		cs.reportError(fmt.Errorf("%w: unknown message type %q", messages.ErrMalformedFrame, msg.Type), "")
	}
}

// handleConfig creates and registers the Gemini session, then runs the
// setup handshake off the read loop so a client close can interrupt it.
func (cs *ClientSession) handleConfig(payload *messages.ConfigPayload) error {
	if cs.activeUpstream() != nil {
		return ErrDuplicateConfig
	}

	upstream := cs.newUpstream(cs.log)
	cfg := gemini.SessionConfig{
		Model:        payload.Model,
		Voice:        payload.Voice,
		SystemPrompt: payload.SystemPrompt,
	}
	if err := upstream.Configure(cfg); err != nil {
		_ = upstream.Close()
		return err
	}

	// Registered while CONNECTING so the cap applies before dialing and Close can reach it
	if err := cs.registry.Put(cs.ID, upstream); err != nil {
		_ = upstream.Close()
		return err
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		cs.registry.Remove(cs.ID)
		return ErrConnectionClosed
	}
	cs.upstream = upstream
	cs.mu.Unlock()

	go cs.connectUpstream(upstream)
	return nil
}

// connectUpstream completes the setup handshake and wires the subscription.
// On failure the registry entry is dropped and nothing stays registered.
func (cs *ClientSession) connectUpstream(upstream Upstream) {
	ctx, cancel := context.WithTimeout(cs.ctx, cs.setupTimeout)
	defer cancel()

	if _, err := upstream.Connect(ctx); err != nil {
		cs.releaseUpstream(upstream)
		if cs.IsClosed() {
			return
		}
		cs.log.WithError(err).Warn("❌ Gemini setup failed")
		cs.reportError(fmt.Errorf("gemini setup failed: %w", err), messages.ErrCodeSessionFailed)
		return
	}

	// Subscribe only once the session is READY
	if err := upstream.Subscribe(cs.forwardEvent); err != nil {
		cs.releaseUpstream(upstream)
		if !cs.IsClosed() {
			cs.reportError(err, messages.ErrCodeSessionFailed)
		}
		return
	}
	go cs.watchUpstream(upstream)

	cs.log.WithField("voice", upstream.Config().Voice).Info("✅ Gemini session configured")
}

func (cs *ClientSession) forward(kind string, send func(Upstream) error) {
	upstream := cs.activeUpstream()
	if upstream == nil {
		cs.reportError(ErrNoActiveSession, "")
		return
	}
	if err := send(upstream); err != nil {
		cs.log.WithError(err).Warnf("❌ Failed to send %s to Gemini", kind)
		cs.reportError(err, messages.ErrCodeGeminiError)
	}
}

// forwardEvent is the upstream subscription callback
func (cs *ClientSession) forwardEvent(msg *genai.LiveServerMessage) {
	for _, frame := range TranslateEvent(msg) {
		cs.queueMessage(frame)
	}
}

// watchUpstream drops the session once Gemini goes away so the client can configure a new one
func (cs *ClientSession) watchUpstream(upstream Upstream) {
	select {
	case <-upstream.Done():
	case <-cs.CloseChan:
		return
	}

	if cs.activeUpstream() != upstream {
		return
	}
	cs.releaseUpstream(upstream)

	if err := upstream.Err(); err != nil {
		cs.reportError(err, messages.ErrCodeGeminiError)
		return
	}
	cs.queueMessage(messages.NewErrorMessage(messages.ErrCodeConnectionClosed, "gemini session closed"))
}

// releaseUpstream removes the registry entry, which closes the Gemini session.
// It does nothing once the upstream has been replaced or released.
func (cs *ClientSession) releaseUpstream(upstream Upstream) {
	if cs.activeUpstream() != upstream {
		return
	}
	cs.registry.Remove(cs.ID)

	cs.mu.Lock()
	if cs.upstream == upstream {
		cs.upstream = nil
	}
	cs.mu.Unlock()
}

func (cs *ClientSession) activeUpstream() Upstream {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.upstream
}

// reportError sends an error frame; fallback is the code used for upstream failures
func (cs *ClientSession) reportError(err error, fallback string) {
	code := errorCode(err, fallback)
	cs.log.WithField("code", code).Debugf("Reporting error to client: %v", err)
	cs.queueMessage(messages.NewErrorMessage(code, err.Error()))
}

func errorCode(err error, fallback string) string {
	var upstreamErr *gemini.UpstreamError
	switch {
	case errors.Is(err, messages.ErrMalformedFrame):
		return messages.ErrCodeMalformedFrame
	case errors.Is(err, ErrDuplicateConfig):
		return messages.ErrCodeDuplicateConfig
	case errors.Is(err, ErrNoActiveSession):
		return messages.ErrCodeNoActiveSession
	case errors.Is(err, ErrRegistryFull):
		return messages.ErrCodeRateLimited
	case errors.Is(err, ErrConnectionClosed):
		return messages.ErrCodeConnectionClosed
	case errors.Is(err, gemini.ErrConfigMissing):
		return messages.ErrCodeConfigMissing
	case errors.Is(err, gemini.ErrSetupTimeout):
		return messages.ErrCodeSetupTimeout
	case errors.Is(err, gemini.ErrInvalidState):
		return messages.ErrCodeInvalidState
	case errors.As(err, &upstreamErr) && fallback != "":
		return fallback
	default:
		return messages.ErrCodeGeminiError
	}
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// Close terminates the client connection and the paired Gemini session.
// Only the first call has any effect.
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.upstream = nil
	cs.mu.Unlock()

	if cs.registry.Remove(cs.ID) {
		cs.log.Info("🔌 Gemini session released")
	}
	cs.cancel()

	// Signal close (for other goroutines waiting on this)
	close(cs.CloseChan)

	_ = cs.ClientConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return cs.ClientConn.Close()
}
