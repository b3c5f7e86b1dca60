package session

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/room4-2/live-relay/gemini"
)

// Upstream is the Gemini side of a client session
type Upstream interface {
	Configure(cfg gemini.SessionConfig) error
	Config() gemini.SessionConfig
	Connect(ctx context.Context) (*genai.LiveServerMessage, error)
	SendAudio(data string) error
	SendImage(data string) error
	SendText(text string) error
	Subscribe(fn gemini.EventHandler) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

var _ Upstream = (*gemini.Session)(nil)

// UpstreamFactory creates a fresh, unconfigured upstream session
type UpstreamFactory func(log logrus.FieldLogger) Upstream

// NewGeminiFactory returns a factory producing Gemini Live sessions
func NewGeminiFactory(opts gemini.Options) UpstreamFactory {
	return func(log logrus.FieldLogger) Upstream {
		o := opts
		o.Logger = log
		return gemini.NewSession(o)
	}
}
