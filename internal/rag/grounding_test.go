package rag

import (
	"testing"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/types"
)

func testGroundingConfig() config.GroundingConfig {
	return config.GroundingConfig{MinConfidenceThreshold: 0.6, MaxExcerptLength: 150}
}

func TestAssembleCitationsDedupesByDocument(t *testing.T) {
	results := []SearchResult{
		{Chunk: types.Chunk{DocumentID: "doc1", Text: "Low similarity excerpt about rockets."}, Similarity: 0.5, DocumentTitle: "Doc 1"},
		{Chunk: types.Chunk{DocumentID: "doc1", Text: "High similarity excerpt about rockets and engines."}, Similarity: 0.9, DocumentTitle: "Doc 1"},
		{Chunk: types.Chunk{DocumentID: "doc2", Text: "Separate document about moons."}, Similarity: 0.7, DocumentTitle: "Doc 2"},
	}
	citations := AssembleCitations(results, testGroundingConfig())
	if len(citations) != 2 {
		t.Fatalf("expected 2 deduped citations, got %d", len(citations))
	}
	if citations[0].DocumentID != "doc1" || citations[0].Similarity != 0.9 {
		t.Fatalf("expected highest-similarity doc1 excerpt kept first, got %+v", citations[0])
	}
}

func TestInjectCitationMarkersMatchesLeadingPhrase(t *testing.T) {
	citations := []Citation{
		{Excerpt: "Rockets use liquid fuel for propulsion. More detail follows."},
	}
	response := "Rockets use liquid fuel for propulsion in most modern designs."
	marked := InjectCitationMarkers(response, citations)
	if marked == response {
		t.Fatal("expected a citation marker to be injected")
	}
}

func TestValidateGroundingZeroSourcesReturnsFixedRecommendation(t *testing.T) {
	report := ValidateGrounding("some response", nil, testGroundingConfig())
	if report.IsGrounded {
		t.Fatal("expected ungrounded with zero sources")
	}
	if report.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %v", report.Confidence)
	}
	if report.Recommendation == "" {
		t.Fatal("expected a fixed no-sources recommendation")
	}
}

func TestValidateGroundingHighOverlapIsGrounded(t *testing.T) {
	chunks := []SearchResult{
		{Chunk: types.Chunk{Text: "Rockets use liquid fuel for propulsion and thrust generation."}, Similarity: 0.9},
	}
	response := "Rockets use liquid fuel for propulsion."
	report := ValidateGrounding(response, chunks, testGroundingConfig())
	if !report.IsGrounded {
		t.Fatalf("expected grounded response, got report: %+v", report)
	}
}

func TestValidateGroundingHedgingReducesConfidence(t *testing.T) {
	chunks := []SearchResult{
		{Chunk: types.Chunk{Text: "Rockets use liquid fuel for propulsion and thrust generation."}, Similarity: 0.9},
	}
	plain := ValidateGrounding("Rockets use liquid fuel for propulsion.", chunks, testGroundingConfig())
	hedged := ValidateGrounding("I think rockets might possibly use liquid fuel for propulsion.", chunks, testGroundingConfig())
	if hedged.Confidence >= plain.Confidence {
		t.Fatalf("expected hedged response to score lower: plain=%v hedged=%v", plain.Confidence, hedged.Confidence)
	}
}
