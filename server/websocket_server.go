package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/live-relay/config"
	"github.com/room4-2/live-relay/session"
)

type Server struct {
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	registry    *session.Registry
	newUpstream session.UpstreamFactory
	config      *config.Config
	log         logrus.FieldLogger
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// NewServer builds the relay HTTP server around a shared registry
func NewServer(cfg *config.Config, registry *session.Registry, newUpstream session.UpstreamFactory, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		registry:    registry,
		newUpstream: newUpstream,
		config:      cfg,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func originAllowed(allowed []string, origin string) bool {
	// Non-browser clients send no Origin
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.log.Infof("🚀 Relay server starting on port %d", s.config.Port)
	s.log.Infof("📡 WebSocket endpoint: ws://localhost:%d/ws", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes every Gemini session, then stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("🛑 Shutting down server...")
	s.registry.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	clientSession := session.NewClientSession(uuid.New().String(), conn, session.Options{
		NewUpstream:  s.newUpstream,
		Registry:     s.registry,
		SetupTimeout: s.config.SetupTimeout,
		WriteTimeout: s.config.WriteTimeout,
		Logger:       s.log,
	})
	log := s.log.WithField("session", session.ShortID(clientSession.ID))
	log.WithField("remote", r.RemoteAddr).Info("✅ Client connected")

	clientSession.Start()

	// Wait for session to close
	<-clientSession.CloseChan

	log.WithField("duration", time.Since(clientSession.CreatedAt).Round(time.Second)).Info("🔌 Client disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(healthResponse{Status: "ok", Sessions: s.registry.Count()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
