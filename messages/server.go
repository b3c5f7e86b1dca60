package messages

// Error codes
const (
	ErrCodeMalformedFrame   = "MALFORMED_FRAME"
	ErrCodeDuplicateConfig  = "DUPLICATE_CONFIG"
	ErrCodeNoActiveSession  = "NO_ACTIVE_SESSION"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeConfigMissing    = "CONFIG_MISSING"
	ErrCodeSetupTimeout     = "SETUP_TIMEOUT"
	ErrCodeGeminiError      = "GEMINI_ERROR"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
)

// ServerMessage represents a message sent to the browser client
type ServerMessage struct {
	Type    string `json:"type"` // "audio", "text", "turn_complete", "error"
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewAudioMessage creates an audio message carrying base64 PCM
func NewAudioMessage(data string) *ServerMessage {
	return &ServerMessage{Type: TypeAudio, Data: data}
}

// NewTextMessage creates a text message
func NewTextMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeText, Data: text}
}

// NewTurnCompleteMessage signals that the model finished its turn
func NewTurnCompleteMessage() *ServerMessage {
	return &ServerMessage{Type: TypeTurnComplete, Data: true}
}

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Code: code, Message: message}
}
