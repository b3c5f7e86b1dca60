package gemini

import (
	"strings"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"
)

// MIME types attached to realtime media chunks
const (
	MIMETypeAudio = "audio/pcm"
	MIMETypeImage = "image/jpeg"
)

// setupMessage is the first frame sent on a fresh Live connection
type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model             string            `json:"model"`
	GenerationConfig  generationConfig  `json:"generation_config"`
	SystemInstruction systemInstruction `json:"system_instruction"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"response_modalities"`
	SpeechConfig       speechConfig `json:"speech_config"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

// realtimeInputMessage carries streamed audio or image chunks
type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// clientContentMessage carries a complete user text turn
type clientContentMessage struct {
	ClientContent clientContent `json:"client_content"`
}

type clientContent struct {
	Turns        []turn `json:"turns"`
	TurnComplete bool   `json:"turn_complete"`
}

type turn struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

// modelPath returns the model resource name expected by the setup frame
func modelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func encodeSetup(cfg SessionConfig) ([]byte, error) {
	return sonic.Marshal(setupMessage{
		Setup: setupBody{
			Model: modelPath(cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(genai.ModalityAudio)},
				SpeechConfig: speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
			SystemInstruction: systemInstruction{
				Parts: []textPart{{Text: cfg.SystemPrompt}},
			},
		},
	})
}

func encodeMediaChunk(data, mimeType string) ([]byte, error) {
	return sonic.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{Data: data, MIMEType: mimeType}},
		},
	})
}

func encodeTextTurn(text string) ([]byte, error) {
	return sonic.Marshal(clientContentMessage{
		ClientContent: clientContent{
			Turns: []turn{
				{Role: "user", Parts: []textPart{{Text: text}}},
			},
			TurnComplete: true,
		},
	})
}

// DecodeServerMessage parses one inbound Live API frame
func DecodeServerMessage(data []byte) (*genai.LiveServerMessage, error) {
	var msg genai.LiveServerMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
