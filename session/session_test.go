package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/live-relay/gemini"
	"github.com/room4-2/live-relay/gemini/geminitest"
	"github.com/room4-2/live-relay/messages"
)

type relayOptions struct {
	live         geminitest.Options
	maxSessions  int
	setupTimeout time.Duration
}

type testRelay struct {
	live     *geminitest.Server
	registry *Registry
	sessions chan *ClientSession
	url      string
}

func newTestRelay(t *testing.T, opts relayOptions) *testRelay {
	t.Helper()

	live := geminitest.NewServer(opts.live)
	t.Cleanup(live.Close)

	registry := NewRegistry(RegistryOptions{MaxSessions: opts.maxSessions})
	sessions := make(chan *ClientSession, 8)
	factory := NewGeminiFactory(gemini.Options{APIKey: "test-key", Endpoint: live.WSURL()})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs := NewClientSession(uuid.New().String(), conn, Options{
			NewUpstream:  factory,
			Registry:     registry,
			SetupTimeout: opts.setupTimeout,
		})
		sessions <- cs
		cs.Start()
		<-cs.CloseChan
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(registry.CloseAll)

	return &testRelay{
		live:     live,
		registry: registry,
		sessions: sessions,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _ := tr.connect(t)
	return conn
}

// connect dials the relay and returns the handler serving the connection
func (tr *testRelay) connect(t *testing.T) (*websocket.Conn, *ClientSession) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case cs := <-tr.sessions:
		return conn, cs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client session")
		return nil, nil
	}
}

// configure sends the config frame and waits until Gemini acknowledged setup
func (tr *testRelay) configure(t *testing.T) *websocket.Conn {
	t.Helper()
	client, cs := tr.connect(t)
	sendJSON(t, client, helpfulConfig)
	tr.live.NextFrame(t)

	require.Eventually(t, func() bool {
		upstream, ok := tr.registry.Get(cs.ID)
		if !ok {
			return false
		}
		return upstream.(*gemini.Session).State() == gemini.StateReady
	}, 2*time.Second, 10*time.Millisecond, "upstream never became ready")
	return client
}

func (tr *testRelay) waitSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.registry.Count() == n },
		2*time.Second, 10*time.Millisecond, "expected %d registered sessions", n)
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) *messages.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg messages.ServerMessage
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return &msg
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	msg := readFrame(t, conn)
	require.Equal(t, messages.TypeError, msg.Type, "got %+v", msg)
	assert.Equal(t, code, msg.Code)
	assert.NotEmpty(t, msg.Message)
}

const helpfulConfig = `{"type":"config","config":{"voice":"Puck","systemPrompt":"You are helpful"}}`

func TestConfigOpensUpstreamSession(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.dial(t)

	sendJSON(t, client, helpfulConfig)

	setup := relay.live.NextFrame(t)["setup"].(map[string]any)
	assert.Equal(t, "models/"+gemini.DefaultModel, setup["model"])
	voice := setup["generation_config"].(map[string]any)["speech_config"].(map[string]any)["voice_config"].(map[string]any)["prebuilt_voice_config"].(map[string]any)
	assert.Equal(t, "Puck", voice["voice_name"])
	parts := setup["system_instruction"].(map[string]any)["parts"].([]any)
	assert.Equal(t, "You are helpful", parts[0].(map[string]any)["text"])

	relay.waitSessions(t, 1)
}

func TestMediaBeforeConfig(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.dial(t)

	sendJSON(t, client, `{"type":"audio","data":"AAAA"}`)
	expectError(t, client, messages.ErrCodeNoActiveSession)

	sendJSON(t, client, `{"type":"text","data":"hello"}`)
	expectError(t, client, messages.ErrCodeNoActiveSession)
	assert.Zero(t, relay.registry.Count())

	// The connection stays usable
	sendJSON(t, client, helpfulConfig)
	relay.live.NextFrame(t)
	relay.waitSessions(t, 1)
}

func TestDuplicateConfig(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.dial(t)

	sendJSON(t, client, helpfulConfig)
	relay.live.NextFrame(t)
	relay.waitSessions(t, 1)

	sendJSON(t, client, `{"type":"config","config":{"voice":"Kore","systemPrompt":""}}`)
	expectError(t, client, messages.ErrCodeDuplicateConfig)
	assert.Equal(t, 1, relay.registry.Count())
}

func TestMalformedFrames(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.dial(t)

	for _, frame := range []string{
		`{"foo":"bar"}`,
		`not json`,
		`{"type":"video","data":"AAAA"}`,
		`{"type":"config"}`,
	} {
		sendJSON(t, client, frame)
		expectError(t, client, messages.ErrCodeMalformedFrame)
	}

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	expectError(t, client, messages.ErrCodeMalformedFrame)
	assert.Zero(t, relay.registry.Count())
}

func TestTextRoundTrip(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.configure(t)
	upstream := relay.live.NextConn(t)

	sendJSON(t, client, `{"type":"text","data":"hi"}`)
	content := relay.live.NextFrame(t)["client_content"].(map[string]any)
	turn := content["turns"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi", turn["parts"].([]any)[0].(map[string]any)["text"])
	assert.Equal(t, true, content["turn_complete"])

	geminitest.Push(t, upstream, `{"serverContent":{"modelTurn":{"parts":[{"text":"hello"}]}}}`)
	geminitest.Push(t, upstream, `{"serverContent":{"turnComplete":true}}`)

	text := readFrame(t, client)
	assert.Equal(t, messages.TypeText, text.Type)
	assert.Equal(t, "hello", text.Data)

	done := readFrame(t, client)
	assert.Equal(t, messages.TypeTurnComplete, done.Type)
	assert.Equal(t, true, done.Data)
}

func TestServerContentPartsInOrder(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.configure(t)
	upstream := relay.live.NextConn(t)

	// Media flowing upstream proves the subscription is in place
	sendJSON(t, client, `{"type":"audio","data":"AAAA"}`)
	relay.live.NextFrame(t)

	geminitest.Push(t, upstream, `{"serverContent":{"modelTurn":{"parts":[`+
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQID"}},`+
		`{"text":"between"},`+
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"BA=="}}`+
		`]},"turnComplete":true}}`)

	want := []messages.ServerMessage{
		{Type: messages.TypeAudio, Data: "AQID"},
		{Type: messages.TypeText, Data: "between"},
		{Type: messages.TypeAudio, Data: "BA=="},
		{Type: messages.TypeTurnComplete, Data: true},
	}
	for _, w := range want {
		got := readFrame(t, client)
		assert.Equal(t, w.Type, got.Type)
		assert.Equal(t, w.Data, got.Data)
	}
}

func TestClientCloseReleasesUpstream(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.dial(t)

	sendJSON(t, client, helpfulConfig)
	relay.live.NextFrame(t)
	relay.waitSessions(t, 1)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	relay.waitSessions(t, 0)

	err := relay.live.NextDisconnect(t)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConfigSetupTimeout(t *testing.T) {
	relay := newTestRelay(t, relayOptions{
		live:         geminitest.Options{Silent: true},
		setupTimeout: 200 * time.Millisecond,
	})
	client := relay.dial(t)

	sendJSON(t, client, helpfulConfig)
	expectError(t, client, messages.ErrCodeSetupTimeout)
	assert.Zero(t, relay.registry.Count())

	// Still unconfigured, so media is rejected
	sendJSON(t, client, `{"type":"audio","data":"AAAA"}`)
	expectError(t, client, messages.ErrCodeNoActiveSession)
}

func TestConfigRejectedByGemini(t *testing.T) {
	relay := newTestRelay(t, relayOptions{live: geminitest.Options{RejectSetup: true}})
	client := relay.dial(t)

	sendJSON(t, client, `{"type":"config","config":{"model":"no-such-model","voice":"Puck","systemPrompt":""}}`)
	expectError(t, client, messages.ErrCodeSessionFailed)
	assert.Zero(t, relay.registry.Count())
}

func TestUpstreamDropAllowsReconfigure(t *testing.T) {
	relay := newTestRelay(t, relayOptions{})
	client := relay.configure(t)
	upstream := relay.live.NextConn(t)

	require.NoError(t, upstream.Close())

	expectError(t, client, messages.ErrCodeGeminiError)
	relay.waitSessions(t, 0)

	sendJSON(t, client, helpfulConfig)
	relay.live.NextFrame(t)
	relay.waitSessions(t, 1)
}

func TestMaxSessionsReached(t *testing.T) {
	relay := newTestRelay(t, relayOptions{maxSessions: 1})

	first := relay.dial(t)
	sendJSON(t, first, helpfulConfig)
	relay.live.NextFrame(t)
	relay.waitSessions(t, 1)

	second := relay.dial(t)
	sendJSON(t, second, helpfulConfig)
	expectError(t, second, messages.ErrCodeRateLimited)
	assert.Equal(t, 1, relay.registry.Count())

	// The cap is applied before dialing, so Gemini never sees the second client
	select {
	case frame := <-relay.live.Frames:
		t.Fatalf("unexpected upstream frame %s", frame)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Len(t, relay.live.Queries, 1)
}

func TestClientCloseDuringSetup(t *testing.T) {
	relay := newTestRelay(t, relayOptions{
		live:         geminitest.Options{Silent: true},
		setupTimeout: 10 * time.Second,
	})
	client := relay.dial(t)

	sendJSON(t, client, helpfulConfig)
	relay.live.NextFrame(t)

	// Registered while the handshake is still pending
	relay.waitSessions(t, 1)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	closedAt := time.Now()

	assert.Error(t, relay.live.NextDisconnect(t))
	assert.Less(t, time.Since(closedAt), time.Second)
	relay.waitSessions(t, 0)
}

func TestFramesDuringSetup(t *testing.T) {
	relay := newTestRelay(t, relayOptions{
		live:         geminitest.Options{Silent: true},
		setupTimeout: 10 * time.Second,
	})
	client := relay.dial(t)

	sendJSON(t, client, helpfulConfig)
	relay.live.NextFrame(t)

	// The read loop keeps serving frames while Gemini has not acknowledged setup
	sendJSON(t, client, `{"type":"audio","data":"AAAA"}`)
	expectError(t, client, messages.ErrCodeInvalidState)

	sendJSON(t, client, helpfulConfig)
	expectError(t, client, messages.ErrCodeDuplicateConfig)
	assert.Equal(t, 1, relay.registry.Count())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback string
		want     string
	}{
		{"malformed", messages.ErrMalformedFrame, "", messages.ErrCodeMalformedFrame},
		{"duplicate", ErrDuplicateConfig, messages.ErrCodeSessionFailed, messages.ErrCodeDuplicateConfig},
		{"no session", ErrNoActiveSession, "", messages.ErrCodeNoActiveSession},
		{"full", ErrRegistryFull, messages.ErrCodeSessionFailed, messages.ErrCodeRateLimited},
		{"config missing", gemini.ErrConfigMissing, "", messages.ErrCodeConfigMissing},
		{"timeout", gemini.ErrSetupTimeout, messages.ErrCodeSessionFailed, messages.ErrCodeSetupTimeout},
		{"state", gemini.ErrInvalidState, "", messages.ErrCodeInvalidState},
		{"upstream", &gemini.UpstreamError{Op: "dial", Err: assert.AnError}, messages.ErrCodeSessionFailed, messages.ErrCodeSessionFailed},
		{"upstream no fallback", &gemini.UpstreamError{Op: "receive", Err: assert.AnError}, "", messages.ErrCodeGeminiError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err, tt.fallback))
		})
	}
}
