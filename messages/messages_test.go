package messages

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"config","config":{"voice":"Puck","systemPrompt":"You are helpful"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeConfig, msg.Type)
	require.NotNil(t, msg.Config)
	assert.Equal(t, "Puck", msg.Config.Voice)
	assert.Equal(t, "You are helpful", msg.Config.SystemPrompt)
	assert.Empty(t, msg.Config.Model)

	msg, err = ParseClientMessage([]byte(`{"type":"audio","data":"AAECAw=="}`))
	require.NoError(t, err)
	assert.Equal(t, TypeAudio, msg.Type)
	assert.Equal(t, "AAECAw==", msg.Data)

	msg, err = ParseClientMessage([]byte(`{"type":"text","data":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Data)
}

func TestParseClientMessageRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"foo":"bar"}`,
		"unknown type":      `{"type":"control","data":"ping"}`,
		"config without":    `{"type":"config"}`,
		"audio without":     `{"type":"audio"}`,
		"image not base64":  `{"type":"image","data":"***"}`,
		"text without data": `{"type":"text"}`,
		"data wrong type":   `{"type":"text","data":42}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestServerMessageEncoding(t *testing.T) {
	cases := []struct {
		msg  *ServerMessage
		want string
	}{
		{NewAudioMessage("AQID"), `{"type":"audio","data":"AQID"}`},
		{NewTextMessage("hi"), `{"type":"text","data":"hi"}`},
		{NewTextMessage(""), `{"type":"text","data":""}`},
		{NewTurnCompleteMessage(), `{"type":"turn_complete","data":true}`},
		{NewErrorMessage(ErrCodeDuplicateConfig, "duplicate config"), `{"type":"error","code":"DUPLICATE_CONFIG","message":"duplicate config"}`},
	}
	for _, tc := range cases {
		out, err := sonic.Marshal(tc.msg)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(out))
	}
}
