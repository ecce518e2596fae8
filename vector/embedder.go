package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tributary-io/tributary/faults"
)

// Embedder turns indexable text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint with transient
// retry. Rate limits and 5xx responses are retried; auth and other 4xx
// responses are not.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	retry  faults.RetryConfig
	logger *slog.Logger
}

// NewOpenAIEmbedder builds an embedder from an API key and model id.
func NewOpenAIEmbedder(apiKey, model string, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
		retry:  faults.EmbeddingRetryConfig(),
		logger: logger,
	}, nil
}

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out [][]float32
	err := faults.Retry(ctx, e.retry, func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Data) != len(texts) {
			return faults.Newf(faults.ClassEmbedding, "embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
		}
		out = make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(texts) {
				return faults.Newf(faults.ClassEmbedding, "embedding index %d out of range", d.Index)
			}
			out[d.Index] = d.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return faults.FromStatusCode(apiErr.HTTPStatusCode, err)
	}
	// Network-level failures are worth retrying.
	return faults.New(faults.ClassTransient, err)
}

// HashEmbedder produces deterministic vectors without a provider. It
// exists for local development and tests; the vectors carry no semantic
// meaning.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a deterministic embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

// Model implements Embedder.
func (e *HashEmbedder) Model() string { return "hash" }

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dim)
		seed := sha256.Sum256([]byte(text))
		for j := range vec {
			h := sha256.Sum256(append(seed[:], byte(j)))
			word := binary.BigEndian.Uint32(h[:4])
			vec[j] = float32(word%2000)/1000 - 1
		}
		out[i] = vec
	}
	return out, nil
}
