package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouterFallsBackToDefaultEngine(t *testing.T) {
	primary := FallbackCollaborator{Text: "primary"}
	fallback := FallbackCollaborator{Text: "fallback"}
	r := NewRouter(map[string]Collaborator{
		"ollama":   primary,
		"fallback": fallback,
	}, "fallback")

	c, ok := r.Route("unknown-engine")
	if !ok {
		t.Fatal("expected fallback route to resolve")
	}
	if c.Name() != "fallback" {
		t.Fatalf("expected fallback collaborator, got %s", c.Name())
	}
}

func TestRouterRoutesKnownEngine(t *testing.T) {
	primary := FallbackCollaborator{Text: "primary"}
	r := NewRouter(map[string]Collaborator{"ollama": primary}, "ollama")

	c, ok := r.Route("ollama")
	if !ok || c.Name() != "fallback" {
		t.Fatalf("expected routed collaborator, got ok=%v", ok)
	}
}

func TestFallbackCollaboratorYieldsApologyText(t *testing.T) {
	f := FallbackCollaborator{}
	var got string
	res, err := f.Chat(context.Background(), "hi", "", "", func(tok string) { got += tok })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Text, "trouble reaching") {
		t.Fatalf("expected default apology text, got %q", res.Text)
	}
	if got != res.Text {
		t.Fatalf("expected onToken to receive full text, got %q", got)
	}
}

func TestOllamaClientStreamsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunks := []ollamaStreamChunk{
			{Message: ollamaMessage{Role: "assistant", Content: "Hel"}},
			{Message: ollamaMessage{Role: "assistant", Content: "lo"}},
			{Done: true},
		}
		for _, c := range chunks {
			b, _ := json.Marshal(c)
			w.Write(b)
			w.Write([]byte("\n"))
		}
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "llama3", "You are helpful.", 512, 2)
	var tokens []string
	res, err := client.Chat(context.Background(), "hi", "", "", func(tok string) { tokens = append(tokens, tok) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("expected concatenated text 'Hello', got %q", res.Text)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 streamed tokens, got %d", len(tokens))
	}
}
