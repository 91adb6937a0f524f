package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/civigraph/ledger/internal/util"
	"github.com/civigraph/ledger/pkg/ai"
)

const defaultDimensions = 1024

// GenerateEmbedding creates a vector embedding for the given text using the
// configured embedding model on Ollama.
func (c *OllamaClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	res, err := c.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(res))
	}
	return res[0], nil
}

// GenerateEmbeddings creates embeddings for multiple texts in a single
// request. Empty inputs embed to zero vectors without being sent. Output
// order matches input order.
func (c *OllamaClient) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	dim := int(util.GetEnvNumeric("AI_EMBED_DIM", defaultDimensions))

	idxMap := make([]int, 0, len(texts))
	input := make([]string, 0, len(texts))
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		input = append(input, text)
	}
	if len(input) == 0 {
		return out, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, time.Minute*time.Duration(c.timeoutMin))
	defer cancel()

	req := &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: input,
	}

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.Client.Embed(rCtx, req)
	if err != nil {
		return nil, err
	}

	metrics := ai.ModelMetrics{
		InputTokens:  res.PromptEvalCount,
		OutputTokens: 0,
		TotalTokens:  res.PromptEvalCount,
		DurationMs:   res.TotalDuration.Milliseconds(),
	}
	c.modifyMetrics(metrics)

	if len(res.Embeddings) != len(input) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(input))
	}
	for i, emb := range res.Embeddings {
		vec := make([]float32, 0, dim)
		for _, v := range emb {
			if len(vec) >= dim {
				break
			}
			vec = append(vec, float32(v))
		}
		if len(vec) < dim {
			padded := make([]float32, dim)
			copy(padded, vec)
			vec = padded
		}
		out[idxMap[i]] = vec
	}
	return out, nil
}
