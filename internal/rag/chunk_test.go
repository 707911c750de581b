package rag

import (
	"strings"
	"testing"

	"github.com/streamvoice/core/internal/config"
)

func testChunkingConfig() config.ChunkingConfig {
	return config.ChunkingConfig{
		MaxChunkSize:       50,
		OverlapSize:        10,
		PreserveParagraphs: true,
		SlidingWindowAbove: 500,
	}
}

func TestChunkDocumentPreservesShortParagraphs(t *testing.T) {
	doc := "First paragraph is short.\n\nSecond paragraph is also short."
	chunks := ChunkDocument(doc, testChunkingConfig())
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Fatal("expected dense 0-based indices")
	}
}

func TestChunkDocumentSlidesLongParagraph(t *testing.T) {
	long := strings.Repeat("word ", 40)
	doc := long
	chunks := ChunkDocument(doc, testChunkingConfig())
	if len(chunks) < 2 {
		t.Fatalf("expected sliding window to produce multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 60 {
			t.Fatalf("chunk exceeds expected bound: %d chars", len(c.Text))
		}
	}
}

func TestChunkDocumentAboveThresholdForcesSlidingWindow(t *testing.T) {
	cfg := testChunkingConfig()
	cfg.SlidingWindowAbove = 20
	doc := "A\n\n" + strings.Repeat("b", 100)
	chunks := ChunkDocument(doc, cfg)
	if len(chunks) < 2 {
		t.Fatal("expected forced sliding window for oversized document")
	}
}

func TestChunkDocumentEmptyReturnsNil(t *testing.T) {
	if chunks := ChunkDocument("", testChunkingConfig()); chunks != nil {
		t.Fatalf("expected nil for empty doc, got %+v", chunks)
	}
}
