// Package llm defines the LLM collaborator contract (spec §1, §6: "given
// messages + retrieved context, produce a token stream") plus concrete
// backends. Adapted from the teacher's internal/pipeline/llm*.go — a
// non-generic Router dispatching over the Collaborator interface, same
// streaming-token-callback shape.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/streamvoice/core/internal/httputil"
	"github.com/streamvoice/core/internal/prompts"
)

// TokenCallback is invoked once per streamed token.
type TokenCallback func(token string)

// Result holds the complete LLM response with timing.
type Result struct {
	Text               string
	LatencyMs          float64
	TimeToFirstTokenMs float64
}

// Collaborator is the uniform contract every LLM backend exposes: given a
// user message, retrieved RAG context, and a system prompt, produce a
// streamed token sequence.
type Collaborator interface {
	Chat(ctx context.Context, userMessage, ragContext, systemPrompt string, onToken TokenCallback) (*Result, error)
	Name() string
}

// Router dispatches to a named Collaborator backend.
type Router struct {
	backends map[string]Collaborator
	fallback string
}

// NewRouter creates an LLM router over the given backends.
func NewRouter(backends map[string]Collaborator, fallback string) *Router {
	return &Router{backends: backends, fallback: fallback}
}

// Route returns the Collaborator for engine, or the fallback if unknown.
func (r *Router) Route(engine string) (Collaborator, bool) {
	if b, ok := r.backends[engine]; ok {
		return b, true
	}
	if b, ok := r.backends[r.fallback]; ok {
		return b, true
	}
	return nil, false
}

// Engines lists all registered backend names.
func (r *Router) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// --- Ollama backend ---

// OllamaClient streams chat completions from Ollama's NDJSON /api/chat.
type OllamaClient struct {
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	client       *http.Client
}

// NewOllamaClient creates an Ollama-backed Collaborator.
func NewOllamaClient(url, model, systemPrompt string, maxTokens, poolSize int) *OllamaClient {
	return &OllamaClient{
		url:          url,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       httputil.NewPooledClient(poolSize, 60*time.Second),
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

func (c *OllamaClient) Chat(ctx context.Context, userMessage, ragContext, systemPrompt string, onToken TokenCallback) (*Result, error) {
	start := time.Now()

	resp, err := c.postChatRequest(ctx, userMessage, ragContext, systemPrompt)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}

	text, ttft := c.consumeStream(resp, onToken, start)
	latency := time.Since(start)

	ttftMs := 0.0
	if !ttft.IsZero() {
		ttftMs = float64(ttft.Sub(start).Milliseconds())
	}

	return &Result{Text: text, LatencyMs: float64(latency.Milliseconds()), TimeToFirstTokenMs: ttftMs}, nil
}

func (c *OllamaClient) postChatRequest(ctx context.Context, userMessage, ragContext, systemPrompt string) (*http.Response, error) {
	sysPrompt := c.systemPrompt
	if systemPrompt != "" {
		sysPrompt = systemPrompt
	}
	messages := []ollamaMessage{{Role: "system", Content: sysPrompt}}
	if ragContext != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: prompts.RAGContext(ragContext)})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: userMessage})

	reqBody := ollamaRequest{
		Model:    c.model,
		Stream:   true,
		Messages: messages,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.client.Do(req)
}

func (c *OllamaClient) consumeStream(resp *http.Response, onToken TokenCallback, start time.Time) (string, time.Time) {
	var text string
	var ttft time.Time
	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Done {
			break
		}
		if chunk.Message.Content == "" {
			continue
		}
		if ttft.IsZero() {
			ttft = time.Now()
		}
		if onToken != nil {
			onToken(chunk.Message.Content)
		}
		text += chunk.Message.Content
	}
	return text, ttft
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// --- Fallback ---

// FallbackCollaborator implements the circuit breaker's LLM fallback: a
// fixed apology text (spec §4.11) — never a silently-wrong answer.
type FallbackCollaborator struct {
	Text string
}

func (f FallbackCollaborator) Name() string { return "fallback" }

func (f FallbackCollaborator) Chat(ctx context.Context, userMessage, ragContext, systemPrompt string, onToken TokenCallback) (*Result, error) {
	text := f.Text
	if text == "" {
		text = "I'm sorry, I'm having trouble reaching my language model right now. Please try again shortly."
	}
	if onToken != nil {
		onToken(text)
	}
	return &Result{Text: text}, nil
}
