// Package stream implements the bidirectional streaming endpoint (C13): one
// long-lived WebSocket connection per client session carrying interleaved
// control frames (JSON) and binary audio both ways. Grounded on the
// teacher's internal/ws/handler.go upgrade-then-runSession shape, with the
// spec's named control-frame vocabulary, heartbeat/close-code contract, and
// lossy-drop egress for partials and TTS audio (adapted from
// cmd/gateway/gpu.go's SSE hub select/default broadcast) layered on top.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamvoice/core/internal/audio"
	"github.com/streamvoice/core/internal/classify"
	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/denoise"
	"github.com/streamvoice/core/internal/interrupt"
	"github.com/streamvoice/core/internal/orchestrator"
	"github.com/streamvoice/core/internal/rag"
	"github.com/streamvoice/core/internal/session"
	"github.com/streamvoice/core/internal/trace"
	"github.com/streamvoice/core/internal/types"
	"github.com/streamvoice/core/internal/vad"
)

// Close codes per the streaming endpoint contract. 1000 and 1001 are
// standard; 4001/4004 are endpoint-specific (RFC 6455 reserves 4000-4999
// for private use).
const (
	closeAuthFailed     = 4001
	closeSessionMissing = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator validates the connection token from the query string and
// resolves it to a user id.
type Authenticator func(token string) (userID string, err error)

// PipelineFactory builds a fresh per-segment pipeline bound to a session,
// tracing every stage through tracer when one is supplied.
type PipelineFactory func(sessionID string, tracer *trace.Tracer) *orchestrator.Pipeline

// HandlerConfig holds the dependencies shared by every connection.
type HandlerConfig struct {
	Sessions     *session.Store
	Authenticate Authenticator
	NewPipeline  PipelineFactory
	Stream       config.StreamConfig
	Interrupt    config.InterruptConfig
	VAD          config.VADConfig
	Denoiser     *denoise.Denoiser
	TraceStore   *trace.Store
}

// Handler upgrades /stream connections and runs one client session per
// connection.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// clientFrame is a text control frame received from the client.
type clientFrame struct {
	Type             string  `json:"type"`
	Mode             string  `json:"mode,omitempty"`
	Codec            string  `json:"codec,omitempty"`
	SampleRate       int     `json:"sampleRate,omitempty"`
	NoiseSuppression bool    `json:"noiseSuppression,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	DurationMs       int     `json:"durationMs,omitempty"`
}

// sourceFrame is the wire shape of one citation on the "complete" frame:
// spec §8 scenario 1 only requires {title, url} on the client-visible
// source list, not the full internal rag.Citation (excerpt/similarity stay
// server-side).
type sourceFrame struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// serverFrame is a text control frame sent to the client. Every server
// frame carries a monotonic send timestamp.
type serverFrame struct {
	Type      string               `json:"type"`
	Timestamp int64                `json:"timestamp"`
	Text      string               `json:"text,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	Error     string               `json:"error,omitempty"`
	Emotion   *classify.Result     `json:"emotion,omitempty"`
	Sources   []sourceFrame        `json:"sources,omitempty"`
	Grounding *rag.GroundingReport `json:"grounding,omitempty"`
	IsFinal   *bool                `json:"isFinal,omitempty"`
}

type wireMessage struct {
	kind    int
	payload []byte
	lossy   bool
}

// client tracks one live StreamingClient: {sessionId, userId,
// currentPipelineId, aliveFlag} per spec §4.13, plus the egress queue and
// heartbeat bookkeeping.
type client struct {
	conn      *websocket.Conn
	sessionID string
	userID    string

	egress chan wireMessage
	done   chan struct{}
	closed int32

	mu              sync.Mutex
	currentPipeline *orchestrator.Pipeline
	pipelineDone    chan struct{}

	interrupter *interrupt.Handler
	vadProc     *vad.Preprocessor
	tracer      *trace.Tracer

	missedPongs int32
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("stream: websocket upgrade failed", "error", err)
		return
	}
	h.runSession(r, conn)
}

func (h *Handler) runSession(r *http.Request, conn *websocket.Conn) {
	defer conn.Close()

	query := r.URL.Query()
	token := query.Get("token")
	requestedSessionID := query.Get("sessionId")

	userID, err := h.authenticate(token)
	if err != nil {
		slog.Warn("stream: auth failed", "error", err)
		closeWithCode(conn, closeAuthFailed, "auth failed")
		return
	}

	sess, err := h.resolveSession(r.Context(), requestedSessionID, userID)
	if err != nil {
		slog.Warn("stream: session not found", "session_id", requestedSessionID, "error", err)
		closeWithCode(conn, closeSessionMissing, "session not found")
		return
	}

	c := &client{
		conn:      conn,
		sessionID: sess.ID,
		userID:    sess.UserID,
		egress:    make(chan wireMessage, h.cfg.Stream.EgressBufferSize),
		done:      make(chan struct{}),
		tracer:    trace.NewTracer(h.cfg.TraceStore, sess.ID),
	}
	c.interrupter = interrupt.New(h.cfg.Interrupt, func(string) { c.cancelActivePipeline() })

	go c.writeLoop()
	defer c.tracer.Close()
	defer c.shutdown()

	conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&c.missedPongs, 0)
		return nil
	})

	go h.heartbeatLoop(c)

	c.sendControl(serverFrame{Type: "connected", SessionID: sess.ID})

	h.readLoop(r.Context(), c)
}

func (h *Handler) authenticate(token string) (string, error) {
	if h.cfg.Authenticate == nil {
		return "anonymous", nil
	}
	return h.cfg.Authenticate(token)
}

func (h *Handler) resolveSession(ctx context.Context, requestedID, userID string) (*types.Session, error) {
	if requestedID != "" {
		return h.cfg.Sessions.GetSession(ctx, requestedID)
	}
	return h.cfg.Sessions.CreateSession(ctx, userID, "")
}

func (h *Handler) heartbeatLoop(c *client) {
	ticker := time.NewTicker(h.cfg.Stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.AddInt32(&c.missedPongs, 1) > int32(h.cfg.Stream.MaxMissedPongs) {
				slog.Info("stream: heartbeat timeout, closing", "session_id", c.sessionID)
				c.shutdown()
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop reads frames until the connection closes. Binary frames are
// appended to the active segment's audio buffer; text frames carry control
// actions. On unclean close any active pipeline is cancelled.
func (h *Handler) readLoop(ctx context.Context, c *client) {
	var audioBuf []byte

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			slog.Info("stream: connection closed", "session_id", c.sessionID, "error", err)
			c.cancelActivePipeline()
			return
		}

		switch msgType {
		case websocket.TextMessage:
			h.handleControlFrame(ctx, c, data, &audioBuf)
		case websocket.BinaryMessage:
			c.mu.Lock()
			proc := c.vadProc
			c.mu.Unlock()
			if proc != nil {
				// forward carries audio flushed early (periodic timer or
				// maxBufferSize) for incremental delivery to the ASR adapter;
				// the adapter for this segment is only acquired once
				// EventSpeechEnd fires (runPipelineSegment), so there is
				// nothing to stream it to yet, and vad.Preprocessor no
				// longer discards it from the final segment either way.
				_, _ = proc.ProcessChunk(data)
				continue
			}
			audioBuf = append(audioBuf, data...)
		}
	}
}

func (h *Handler) handleControlFrame(ctx context.Context, c *client, data []byte, audioBuf *[]byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "ping":
		c.sendControl(serverFrame{Type: "pong"})
	case "start":
		*audioBuf = (*audioBuf)[:0]
		c.mu.Lock()
		if frame.Mode == "vad" {
			onEvent := func(ev vad.Event, seg *vad.SpeechSegment) {
				if ev == vad.EventSpeechEnd && seg != nil {
					h.runPipelineSegment(ctx, c, seg.Audio)
				}
			}
			if codec, ok := wireCodec(frame.Codec); ok {
				rate := frame.SampleRate
				if rate == 0 {
					rate = 8000
				}
				c.vadProc = vad.NewWithCodec(h.cfg.VAD, codec, rate, onEvent)
			} else {
				c.vadProc = vad.New(h.cfg.VAD, onEvent)
			}
			if frame.NoiseSuppression && h.cfg.Denoiser != nil {
				c.vadProc = c.vadProc.WithDenoiser(h.cfg.Denoiser)
			}
		} else {
			c.vadProc = nil
		}
		c.mu.Unlock()
		c.sendControl(serverFrame{Type: "pipeline-started", SessionID: c.sessionID})
	case "stop":
		c.mu.Lock()
		c.vadProc = nil
		c.mu.Unlock()
		segment := *audioBuf
		*audioBuf = nil
		h.runPipelineSegment(ctx, c, segment)
	case "interrupt":
		if c.interrupter.Manual(c.sessionID) {
			c.sendControl(serverFrame{Type: "interrupted", SessionID: c.sessionID})
		}
	case "vad":
		ev := interrupt.VADEvent{Confidence: frame.Confidence, DurationMs: time.Duration(frame.DurationMs) * time.Millisecond}
		if c.interrupter.Observe(c.sessionID, ev) {
			c.sendControl(serverFrame{Type: "interrupted", SessionID: c.sessionID})
		}
	}
}

// runPipelineSegment runs one speech segment through a pipeline built by the
// handler's factory, strictly serialized with any prior segment in this
// session (spec §5 ordering guarantee): it blocks on the previous
// pipeline's completion before starting the next.
func (h *Handler) runPipelineSegment(ctx context.Context, c *client, pcmAudio []byte) {
	c.mu.Lock()
	prevDone := c.pipelineDone
	c.mu.Unlock()
	if prevDone != nil {
		<-prevDone
	}

	pipe := h.cfg.NewPipeline(c.sessionID, c.tracer)
	pipelineDone := make(chan struct{})

	c.mu.Lock()
	c.currentPipeline = pipe
	c.pipelineDone = pipelineDone
	c.mu.Unlock()

	go func() {
		defer close(pipelineDone)

		var (
			resultMu  sync.Mutex
			citations []rag.Citation
			grounding *rag.GroundingReport
		)

		err := pipe.RunSpeechSegment(ctx, pcmAudio, func(ev orchestrator.Event) {
			switch ev.Type {
			case "citations":
				resultMu.Lock()
				citations = ev.Citations
				resultMu.Unlock()
			case "metrics":
				resultMu.Lock()
				grounding = ev.Grounding
				resultMu.Unlock()
			}
			c.sendEvent(ev)
		})

		c.mu.Lock()
		c.currentPipeline = nil
		c.mu.Unlock()
		c.interrupter.ResetCooldown(c.sessionID)

		if err != nil {
			c.sendControl(serverFrame{Type: "error", Error: err.Error()})
			return
		}

		resultMu.Lock()
		sources := toSourceFrames(citations)
		finalGrounding := grounding
		resultMu.Unlock()
		c.sendControl(serverFrame{Type: "complete", SessionID: c.sessionID, Sources: sources, Grounding: finalGrounding})
	}()
}

// toSourceFrames reduces internal citations to the {title, url} shape the
// "complete" frame's sources list carries (spec §8 scenario 1); an empty or
// nil citation set yields a nil (omitted) sources field, matching scenario
// 5's "sources array is empty" expectation for an ungrounded response.
func toSourceFrames(citations []rag.Citation) []sourceFrame {
	if len(citations) == 0 {
		return nil
	}
	sources := make([]sourceFrame, len(citations))
	for i, c := range citations {
		sources[i] = sourceFrame{Title: c.DocumentTitle, URL: c.DocumentURL}
	}
	return sources
}

func (c *client) cancelActivePipeline() {
	c.mu.Lock()
	pipe := c.currentPipeline
	c.mu.Unlock()
	if pipe != nil {
		pipe.Cancel()
	}
}

// sendEvent translates a pipeline event into wire frames. Partial
// transcripts (isFinal:false), per-token llm-response frames,
// classification frames and TTS audio are lossy: a slow client drops these
// rather than stalling the pipeline. Finals — the closing isFinal:true
// transcript, the llm-response sent on llm_done, complete, errors — are
// delivered reliably.
func (c *client) sendEvent(ev orchestrator.Event) {
	switch ev.Type {
	case "transcript":
		isFinal := ev.IsFinal
		frame := serverFrame{Type: "transcript", Text: ev.Text, IsFinal: &isFinal}
		if ev.IsFinal {
			c.sendControl(frame)
		} else {
			c.sendLossyControl(frame)
		}
	case "llm_token":
		c.sendLossyControl(serverFrame{Type: "llm-response", Text: ev.Token})
	case "llm_done":
		c.sendControl(serverFrame{Type: "llm-response", Text: ev.Text})
	case "tts_ready", "tts_silence":
		c.sendLossyAudio(ev.Audio)
	case "classification":
		c.sendLossyControl(serverFrame{Type: "classification", Emotion: ev.Emotion})
	case "citations", "metrics":
		// Captured by runPipelineSegment's onEvent wrapper and folded into
		// the terminal "complete" frame's Sources/Grounding fields (spec §8
		// scenarios 1 and 5) rather than sent as their own wire frame.
	case "error":
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.sendControl(serverFrame{Type: "error", Error: msg})
	}
}

func (c *client) sendControl(f serverFrame) {
	f.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(wireMessage{kind: websocket.TextMessage, payload: payload}, false)
}

func (c *client) sendLossyControl(f serverFrame) {
	f.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(wireMessage{kind: websocket.TextMessage, payload: payload}, true)
}

func (c *client) sendLossyAudio(audio []byte) {
	if len(audio) == 0 {
		return
	}
	c.enqueue(wireMessage{kind: websocket.BinaryMessage, payload: audio}, true)
}

// enqueue is the non-blocking-drop pattern from the teacher's gpuHub
// broadcast: lossy frames are dropped rather than blocking the producer
// when the egress buffer is full, everything else blocks until there is
// room or the connection is closing.
func (c *client) enqueue(msg wireMessage, lossy bool) {
	if lossy {
		select {
		case c.egress <- msg:
		default:
		}
		return
	}
	select {
	case c.egress <- msg:
	case <-c.done:
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case msg := <-c.egress:
			if err := c.conn.WriteMessage(msg.kind, msg.payload); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown stops the write loop and unblocks the read loop by closing the
// underlying connection. Idempotent: safe to call from the heartbeat
// goroutine, the read loop, or both.
func (c *client) shutdown() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.done)
		c.conn.Close()
		c.interrupter.Reset(c.sessionID)
	}
}

// wireCodec maps a client-declared codec name to an audio.Codec. PCM (the
// default, and the only codec spec §4.3's energy model assumes) reports
// !ok so the caller skips the decode/resample path entirely.
func wireCodec(name string) (audio.Codec, bool) {
	switch name {
	case "g711_ulaw":
		return audio.CodecG711Ulaw, true
	case "g711_alaw":
		return audio.CodecG711Alaw, true
	default:
		return "", false
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
