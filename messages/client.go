package messages

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrMalformedFrame is returned for client frames that cannot be parsed or are not recognised
var ErrMalformedFrame = errors.New("malformed frame")

// Frame types. Audio and text flow in both directions.
const (
	TypeConfig       = "config"
	TypeAudio        = "audio"
	TypeImage        = "image"
	TypeText         = "text"
	TypeTurnComplete = "turn_complete"
	TypeError        = "error"
)

// ClientMessage represents a message from the browser client
type ClientMessage struct {
	Type   string         `json:"type"` // "config", "audio", "image", "text"
	Config *ConfigPayload `json:"config,omitempty"`
	Data   string         `json:"data,omitempty"` // Base64 for audio/image, plain text for text
}

// ConfigPayload contains session configuration
type ConfigPayload struct {
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice"`
	SystemPrompt string `json:"systemPrompt"`
}

// ParseClientMessage decodes and validates one client text frame
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedFrame, err)
	}

	switch msg.Type {
	case "":
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedFrame)

	case TypeConfig:
		if msg.Config == nil {
			return nil, fmt.Errorf("%w: config message without config", ErrMalformedFrame)
		}

	case TypeAudio, TypeImage:
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: %s message without data", ErrMalformedFrame, msg.Type)
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data is not base64", ErrMalformedFrame, msg.Type)
		}

	case TypeText:
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: text message without data", ErrMalformedFrame)
		}

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, msg.Type)
	}

	return &msg, nil
}
