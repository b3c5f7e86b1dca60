package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/live-relay/messages"
)

const (
	chunkSize     = 3200 // 100ms of 16kHz 16-bit mono
	chunkInterval = 100 * time.Millisecond
)

var log = logrus.New()

// AudioPlayer streams 24kHz PCM replies via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() (*AudioPlayer, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sox start: %w", err)
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}, nil
}

func (p *AudioPlayer) Write(audio []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(audio)
}

func (p *AudioPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdin.Close()
	return p.cmd.Wait()
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Relay WebSocket URL")
	model := flag.String("model", "", "Gemini model (relay default when empty)")
	voice := flag.String("voice", "Puck", "Prebuilt voice name")
	prompt := flag.String("prompt", "You are a helpful assistant. Keep responses brief.", "System prompt")
	text := flag.String("text", "", "Text turn to send")
	audioFile := flag.String("file", "", "Audio file to stream (16kHz PCM or WAV)")
	outFile := flag.String("out", "", "Write returned 24kHz PCM to this file")
	play := flag.Bool("play", false, "Play returned audio with sox")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for the reply")
	flag.Parse()

	if *text == "" && *audioFile == "" {
		*text = "Hello! Say hi back in one sentence."
	}

	var sinks []io.Writer
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *outFile, err)
		}
		defer f.Close()
		sinks = append(sinks, f)
	}
	if *play {
		player, err := NewAudioPlayer()
		if err != nil {
			log.Fatalf("Failed to create audio player (is sox installed?): %v", err)
		}
		defer player.Close()
		sinks = append(sinks, player)
	}
	audioOut := io.MultiWriter(sinks...)

	log.Infof("🔌 Connecting to %s...", *serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Info("✅ Connected!")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	turnDone := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readReplies(conn, audioOut, turnDone)
	}()

	if err := writeJSON(conn, messages.ClientMessage{
		Type:   messages.TypeConfig,
		Config: &messages.ConfigPayload{Model: *model, Voice: *voice, SystemPrompt: *prompt},
	}); err != nil {
		log.Fatalf("Failed to send config: %v", err)
	}

	if *audioFile != "" {
		if err := streamAudio(conn, *audioFile); err != nil {
			log.Fatalf("Failed to stream audio: %v", err)
		}
	}
	if *text != "" {
		log.Infof("📤 Sending text: %s", *text)
		if err := writeJSON(conn, messages.ClientMessage{Type: messages.TypeText, Data: *text}); err != nil {
			log.Fatalf("Failed to send text: %v", err)
		}
	}

	select {
	case <-turnDone:
		log.Info("--- Turn complete ---")
	case <-done:
		log.Info("Connection closed")
		return
	case <-interrupt:
		log.Info("👋 Interrupted, closing...")
	case <-time.After(*timeout):
		log.Warn("⏰ Timeout waiting for response")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func readReplies(conn *websocket.Conn, audioOut io.Writer, turnDone chan<- struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("Read error")
			}
			return
		}

		var msg messages.ServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("Parse error")
			continue
		}

		switch msg.Type {
		case messages.TypeAudio:
			encoded, _ := msg.Data.(string)
			audio, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				log.WithError(err).Warn("Bad audio payload")
				continue
			}
			log.Debugf("🔊 Received audio: %d bytes", len(audio))
			if _, err := audioOut.Write(audio); err != nil {
				log.WithError(err).Warn("Failed to write audio")
			}

		case messages.TypeText:
			fmt.Printf("📝 %v\n", msg.Data)

		case messages.TypeTurnComplete:
			select {
			case turnDone <- struct{}{}:
			default:
			}

		case messages.TypeError:
			log.Errorf("❌ %s: %s", msg.Code, msg.Message)
		}
	}
}

func streamAudio(conn *websocket.Conn, path string) error {
	audio, err := loadAudioFile(path)
	if err != nil {
		return err
	}

	total := (len(audio) + chunkSize - 1) / chunkSize
	log.Infof("📤 Streaming %s in %d chunks", path, total)
	for i := 0; i < len(audio); i += chunkSize {
		end := min(i+chunkSize, len(audio))
		frame := messages.ClientMessage{Type: messages.TypeAudio, Data: base64.StdEncoding.EncodeToString(audio[i:end])}
		if err := writeJSON(conn, frame); err != nil {
			return err
		}
		// Real-time pacing
		time.Sleep(chunkInterval)
	}
	log.Info("✅ Audio sent, waiting for response...")
	return nil
}

// loadAudioFile returns raw PCM, skipping a standard WAV header
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Debug("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}
	return data, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
