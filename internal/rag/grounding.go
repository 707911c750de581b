package rag

import (
	"strconv"
	"strings"

	"github.com/streamvoice/core/internal/config"
)

// Citation is one deduplicated, excerpted source ready for inline marking.
type Citation struct {
	DocumentID    string
	DocumentTitle string
	DocumentURL   string
	Excerpt       string
	Similarity    float64
}

// AssembleCitations deduplicates results by parent document (keeping the
// highest-similarity hit for each), truncates each excerpt to at most
// maxLen characters preferring a sentence then word boundary, and sorts by
// descending relevance.
func AssembleCitations(results []SearchResult, cfg config.GroundingConfig) []Citation {
	best := make(map[string]SearchResult)
	for _, r := range results {
		cur, ok := best[r.Chunk.DocumentID]
		if !ok || r.Similarity > cur.Similarity {
			best[r.Chunk.DocumentID] = r
		}
	}

	citations := make([]Citation, 0, len(best))
	for docID, r := range best {
		citations = append(citations, Citation{
			DocumentID:    docID,
			DocumentTitle: r.DocumentTitle,
			DocumentURL:   r.DocumentURL,
			Excerpt:       truncateExcerpt(r.Chunk.Text, cfg.MaxExcerptLength),
			Similarity:    r.Similarity,
		})
	}

	for i := 1; i < len(citations); i++ {
		for j := i; j > 0 && citations[j].Similarity > citations[j-1].Similarity; j-- {
			citations[j], citations[j-1] = citations[j-1], citations[j]
		}
	}

	return citations
}

func truncateExcerpt(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	window := text[:maxLen]
	if i := strings.LastIndex(window, ". "); i > 0 {
		return window[:i+1]
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return window[:i]
	}
	return window
}

// InjectCitationMarkers marks each citation's first appearance in response
// by matching its leading key phrase (first sentence trimmed to 50 chars,
// reduced to its first 5 words as the needle) against the response text. A
// given position is marked at most once.
func InjectCitationMarkers(response string, citations []Citation) string {
	type marker struct {
		pos int
		n   int
	}
	var markers []marker
	marked := make(map[int]bool)

	for i, c := range citations {
		needle := leadingKeyPhrase(c.Excerpt)
		if needle == "" {
			continue
		}
		idx := strings.Index(strings.ToLower(response), strings.ToLower(needle))
		if idx < 0 {
			continue
		}
		end := idx + len(needle)
		if marked[end] {
			continue
		}
		marked[end] = true
		markers = append(markers, marker{pos: end, n: i + 1})
	}

	for i := 1; i < len(markers); i++ {
		for j := i; j > 0 && markers[j].pos < markers[j-1].pos; j-- {
			markers[j], markers[j-1] = markers[j-1], markers[j]
		}
	}

	var b strings.Builder
	last := 0
	for _, m := range markers {
		b.WriteString(response[last:m.pos])
		b.WriteString(citationMarker(m.n))
		last = m.pos
	}
	b.WriteString(response[last:])
	return b.String()
}

func citationMarker(n int) string {
	return "[" + strconv.Itoa(n) + "]"
}

func leadingKeyPhrase(excerpt string) string {
	firstSentence := excerpt
	if i := strings.Index(excerpt, ". "); i > 0 {
		firstSentence = excerpt[:i]
	}
	if len(firstSentence) > 50 {
		firstSentence = firstSentence[:50]
	}
	words := strings.Fields(firstSentence)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}

// GroundingReport is the result of validating a response against its
// retrieved chunks.
type GroundingReport struct {
	WordOverlap        float64 `json:"wordOverlap"`
	SentenceCoverage   float64 `json:"sentenceCoverage"`
	SourceRelevance    float64 `json:"sourceRelevance"`
	FactualConsistency float64 `json:"factualConsistency"`
	Confidence         float64 `json:"confidence"`
	IsGrounded         bool    `json:"isGrounded"`
	Recommendation     string  `json:"recommendation"`
}

var hedgingPhrases = []string{
	"i think", "i believe", "it seems", "possibly", "might be", "may be", "not sure", "perhaps",
}

// ValidateGrounding computes the four grounding signals and a weighted
// confidence score for a response given the chunks it was generated from.
func ValidateGrounding(response string, chunks []SearchResult, cfg config.GroundingConfig) GroundingReport {
	if len(chunks) == 0 {
		return GroundingReport{Recommendation: "no sources were retrieved for this response"}
	}

	chunkWords := significantWordSet(chunks)
	responseWords := significantWords(response)

	wordOverlap := overlapRatio(responseWords, chunkWords)
	sentenceCoverage := sentenceCoverageRatio(response, chunkWords)
	sourceRelevance := meanSimilarity(chunks)
	factualConsistency := factualConsistencyScore(response)

	confidence := 0.3*wordOverlap + 0.3*sentenceCoverage + 0.2*sourceRelevance + 0.2*factualConsistency

	report := GroundingReport{
		WordOverlap:        wordOverlap,
		SentenceCoverage:   sentenceCoverage,
		SourceRelevance:    sourceRelevance,
		FactualConsistency: factualConsistency,
		Confidence:         confidence,
		IsGrounded:         confidence >= cfg.MinConfidenceThreshold,
	}
	if !report.IsGrounded {
		report.Recommendation = "response may not be fully grounded in retrieved sources; consider re-querying or narrowing scope"
	}
	return report
}

func significantWords(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 3 {
			set[w] = true
		}
	}
	return set
}

func significantWordSet(chunks []SearchResult) map[string]bool {
	set := make(map[string]bool)
	for _, c := range chunks {
		for w := range significantWords(c.Chunk.Text) {
			set[w] = true
		}
	}
	return set
}

func overlapRatio(words, in map[string]bool) float64 {
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for w := range words {
		if in[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

func sentenceCoverageRatio(response string, chunkWords map[string]bool) float64 {
	sentences := splitSentences(response)
	if len(sentences) == 0 {
		return 0
	}
	covered := 0
	for _, sent := range sentences {
		words := significantWords(sent)
		if len(words) == 0 {
			continue
		}
		matched := 0
		for w := range words {
			if chunkWords[w] {
				matched++
			}
		}
		if float64(matched)/float64(len(words)) > 0.5 {
			covered++
		}
	}
	return float64(covered) / float64(len(sentences))
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	var sentences []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func meanSimilarity(chunks []SearchResult) float64 {
	if len(chunks) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range chunks {
		sum += c.Similarity
	}
	return sum / float64(len(chunks))
}

// factualConsistencyScore approximates verified-fact-token ratio as a
// hedging-penalty on an otherwise confident baseline: in the absence of an
// external fact-checker, every non-hedged response starts fully consistent
// and loses up to 0.6 cumulative for hedging language.
func factualConsistencyScore(response string) float64 {
	lower := strings.ToLower(response)
	penalty := 0.0
	for _, phrase := range hedgingPhrases {
		if strings.Contains(lower, phrase) {
			penalty += 0.15
		}
	}
	if penalty > 0.6 {
		penalty = 0.6
	}
	return 1.0 - penalty
}
