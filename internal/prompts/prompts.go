package prompts

import (
	"fmt"
	"strings"
)

const DefaultSystem = "You are a helpful call center agent. Keep responses concise and conversational."

// ForSession resolves the final system prompt for a call session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// RAGContext wraps retrieved knowledge base context into a system message.
func RAGContext(context string) string {
	return "Relevant context from knowledge base:\n" + context
}

// RAGSource is one retrieved chunk eligible for an inline citation marker.
type RAGSource struct {
	Title string
	Text  string
}

// RAGContextWithSources numbers each retrieved chunk, in the order given, so
// the model can cite it inline as [n]. The numbering is per chunk, while
// rag.AssembleCitations builds one citation per document, so the two lists
// differ when several chunks come from the same document. The result is
// passed to RAGContext like any other context string so the system-message
// wrapping stays in one place.
func RAGContextWithSources(sources []RAGSource) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("cite a source inline as [n] when you use it.\n")
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = "untitled"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, title, s.Text)
	}
	return b.String()
}
