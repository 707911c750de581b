package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/streamvoice/core/internal/prompts"
)

// OpenAIClient streams chat completions via the official OpenAI SDK.
// Grounded on the teacher's llm_openai.go (which hand-rolled /v1/completions
// over net/http); this backend instead exercises openai/openai-go/v2's
// streaming chat client, the pack's wired OpenAI dependency.
type OpenAIClient struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIClient creates an OpenAI-backed Collaborator.
func NewOpenAIClient(apiKey, model string, maxTokens int) *OpenAIClient {
	return &OpenAIClient{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Chat(ctx context.Context, userMessage, ragContext, systemPrompt string, onToken TokenCallback) (*Result, error) {
	start := time.Now()

	system := systemPrompt
	if ragContext != "" {
		system += "\n\n" + prompts.RAGContext(ragContext)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(userMessage),
		},
		MaxTokens: openai.Int(int64(c.maxTokens)),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text string
	var ttft time.Time
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if ttft.IsZero() {
			ttft = time.Now()
		}
		if onToken != nil {
			onToken(delta)
		}
		text += delta
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	latency := time.Since(start)
	ttftMs := 0.0
	if !ttft.IsZero() {
		ttftMs = float64(ttft.Sub(start).Milliseconds())
	}

	return &Result{Text: text, LatencyMs: float64(latency.Milliseconds()), TimeToFirstTokenMs: ttftMs}, nil
}
