package similarity

import (
	"context"
	"fmt"
	"math"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Embedding scores texts by the cosine of their embedding vectors. Vectors
// are memoized per text for the life of the scorer.
type Embedding struct {
	api   *openai.Client
	model string

	mu      sync.Mutex
	vectors map[string][]float32
}

// NewEmbedding creates an embedding scorer against an OpenAI-compatible API.
func NewEmbedding(baseURL, apiKey, model string) *Embedding {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &Embedding{
		api:     openai.NewClientWithConfig(cfg),
		model:   model,
		vectors: make(map[string][]float32),
	}
}

func (e *Embedding) Score(ctx context.Context, a, b string) (float64, error) {
	if a == "" || b == "" {
		return 0, nil
	}
	if a == b {
		return 1, nil
	}
	vecs, err := e.embed(ctx, a, b)
	if err != nil {
		return 0, err
	}
	return clamp01(cosine(vecs[0], vecs[1])), nil
}

func (e *Embedding) embed(ctx context.Context, texts ...string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	e.mu.Lock()
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
		} else {
			missing = append(missing, t)
		}
	}
	e.mu.Unlock()

	if len(missing) > 0 {
		resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: missing,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != len(missing) {
			return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(missing))
		}
		e.mu.Lock()
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(missing) {
				e.mu.Unlock()
				return nil, fmt.Errorf("create embeddings: index %d out of range", d.Index)
			}
			e.vectors[missing[d.Index]] = d.Embedding
		}
		for i, t := range texts {
			if out[i] == nil {
				out[i] = e.vectors[t]
			}
		}
		e.mu.Unlock()
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
