package session

import (
	"encoding/base64"

	"google.golang.org/genai"

	"github.com/room4-2/live-relay/messages"
)

// TranslateEvent converts one Gemini server message into client frames.
// Parts keep their order; turn_complete always comes last.
func TranslateEvent(msg *genai.LiveServerMessage) []*messages.ServerMessage {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent

	var out []*messages.ServerMessage
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			switch {
			case part == nil:
			case part.InlineData != nil:
				// SDK types hold raw bytes, the client wants base64 back
				out = append(out, messages.NewAudioMessage(base64.StdEncoding.EncodeToString(part.InlineData.Data)))
			default:
				// One frame per part, empty text included
				out = append(out, messages.NewTextMessage(part.Text))
			}
		}
	}

	if content.TurnComplete {
		out = append(out, messages.NewTurnCompleteMessage())
	}
	return out
}
