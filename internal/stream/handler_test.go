package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/streamvoice/core/internal/orchestrator"
)

func newTestClient(bufSize int) *client {
	return &client{
		sessionID: "sess-1",
		userID:    "user-1",
		egress:    make(chan wireMessage, bufSize),
		done:      make(chan struct{}),
	}
}

func TestEnqueueDropsLossyFramesWhenBufferFull(t *testing.T) {
	c := newTestClient(1)
	c.enqueue(wireMessage{kind: websocket.TextMessage, payload: []byte("first")}, true)
	c.enqueue(wireMessage{kind: websocket.TextMessage, payload: []byte("second")}, true)

	if len(c.egress) != 1 {
		t.Fatalf("expected buffer to stay at capacity 1, got %d", len(c.egress))
	}
	msg := <-c.egress
	if string(msg.payload) != "first" {
		t.Fatalf("expected the first lossy frame to survive, got %q", msg.payload)
	}
}

func TestHandleControlFramePingSendsPong(t *testing.T) {
	c := newTestClient(4)
	h := &Handler{}

	var audioBuf []byte
	frame, _ := json.Marshal(clientFrame{Type: "ping"})
	h.handleControlFrame(context.Background(), c, frame, &audioBuf)

	msg := <-c.egress
	var sf serverFrame
	if err := json.Unmarshal(msg.payload, &sf); err != nil {
		t.Fatalf("unmarshal server frame: %v", err)
	}
	if sf.Type != "pong" {
		t.Fatalf("expected pong frame, got %q", sf.Type)
	}
}

func TestHandleControlFrameStartResetsAudioBuffer(t *testing.T) {
	c := newTestClient(4)
	h := &Handler{}

	audioBuf := []byte{1, 2, 3}
	frame, _ := json.Marshal(clientFrame{Type: "start"})
	h.handleControlFrame(context.Background(), c, frame, &audioBuf)

	if len(audioBuf) != 0 {
		t.Fatalf("expected start to reset the audio buffer, got %d bytes", len(audioBuf))
	}

	msg := <-c.egress
	var sf serverFrame
	_ = json.Unmarshal(msg.payload, &sf)
	if sf.Type != "pipeline-started" {
		t.Fatalf("expected pipeline-started frame, got %q", sf.Type)
	}
}

func TestSendEventPartialTranscriptsAreLossy(t *testing.T) {
	c := newTestClient(1)

	c.sendEvent(orchestrator.Event{Type: "transcript", Text: "hello"})
	c.sendEvent(orchestrator.Event{Type: "transcript", Text: "hello world"})

	if len(c.egress) != 1 {
		t.Fatalf("expected transcript events to be lossy, got buffer length %d", len(c.egress))
	}
	msg := <-c.egress
	var sf serverFrame
	_ = json.Unmarshal(msg.payload, &sf)
	if sf.Text != "hello" {
		t.Fatalf("expected the first transcript to survive the drop, got %q", sf.Text)
	}
}

func TestSendEventLLMDoneSendsLLMResponse(t *testing.T) {
	c := newTestClient(4)

	c.sendEvent(orchestrator.Event{Type: "llm_done", Text: "final answer"})
	msg := <-c.egress
	var sf serverFrame
	_ = json.Unmarshal(msg.payload, &sf)
	if sf.Type != "llm-response" || sf.Text != "final answer" {
		t.Fatalf("unexpected frame for llm_done: %+v", sf)
	}
}

func TestHandleControlFrameStartVADModeInstallsPreprocessor(t *testing.T) {
	c := newTestClient(4)
	h := &Handler{}

	var audioBuf []byte
	frame, _ := json.Marshal(clientFrame{Type: "start", Mode: "vad"})
	h.handleControlFrame(context.Background(), c, frame, &audioBuf)

	if c.vadProc == nil {
		t.Fatal("expected start with mode=vad to install a VAD preprocessor")
	}

	manualFrame, _ := json.Marshal(clientFrame{Type: "start"})
	h.handleControlFrame(context.Background(), c, manualFrame, &audioBuf)
	if c.vadProc != nil {
		t.Fatal("expected a manual-mode start to clear the VAD preprocessor")
	}
}

func TestSendEventTTSReadyEnqueuesBinaryAudio(t *testing.T) {
	c := newTestClient(1)
	c.sendEvent(orchestrator.Event{Type: "tts_ready", Audio: []byte("pcm-bytes")})

	msg := <-c.egress
	if msg.kind != websocket.BinaryMessage {
		t.Fatalf("expected binary message for tts audio, got kind %d", msg.kind)
	}
	if string(msg.payload) != "pcm-bytes" {
		t.Fatalf("unexpected audio payload: %q", msg.payload)
	}
}
