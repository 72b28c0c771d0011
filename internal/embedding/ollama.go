package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// OllamaMaxInputChars truncates text before sending it to Ollama, keeping
// requests within a typical embedding model's context window (~512 tokens at
// ~4 chars/token for English prose).
const OllamaMaxInputChars = 2000

// ollamaMaxConcurrency bounds parallel single-text fallback requests.
const ollamaMaxConcurrency = 4

// Ollama generates embeddings via a local or self-hosted Ollama server. This
// is the production provider: embeddings stay on the operator's network, no
// external API costs.
type Ollama struct {
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama returns a provider that calls Ollama's /api/embed endpoint.
// model should be an embedding model such as "mxbai-embed-large"; dims must
// match that model's native output size.
func NewOllama(baseURL, model string, dims int, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL:    baseURL,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (o *Ollama) Dimensions() int   { return o.dims }
func (o *Ollama) ModelName() string { return o.model }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = truncateText(t, OllamaMaxInputChars)
	}

	vecs, err := o.embedBatch(ctx, truncated)
	if err == nil {
		return vecs, nil
	}
	o.logger.Debug("embedding: ollama native batch failed, falling back to concurrent single requests", "error", err)
	return o.embedConcurrent(ctx, truncated)
}

func (o *Ollama) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal ollama batch request: %w", err)
	}
	result, err := o.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

func (o *Ollama) embedConcurrent(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, ollamaMaxConcurrency)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: t})
			if err != nil {
				errs[idx] = err
				return
			}
			result, err := o.post(ctx, body)
			if err != nil {
				errs[idx] = fmt.Errorf("embedding: batch item %d: %w", idx, err)
				return
			}
			if len(result.Embeddings) == 0 {
				errs[idx] = fmt.Errorf("embedding: batch item %d: empty embedding", idx)
				return
			}
			vecs[idx] = result.Embeddings[0]
		}(i, text)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (o *Ollama) post(ctx context.Context, body []byte) (ollamaEmbedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return ollamaEmbedResponse{}, fmt.Errorf("embedding: create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return ollamaEmbedResponse{}, fmt.Errorf("embedding: send ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ollamaEmbedResponse{}, fmt.Errorf("embedding: ollama status %d: %s", resp.StatusCode, string(errBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ollamaEmbedResponse{}, fmt.Errorf("embedding: decode ollama response: %w", err)
	}
	return result, nil
}

// truncateText trims s to at most max bytes, cutting at the preceding space
// so truncation doesn't split a word.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return s[:cut]
}
