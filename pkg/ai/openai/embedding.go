package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"golang.org/x/sync/errgroup"

	"github.com/civigraph/ledger/internal/util"
	"github.com/civigraph/ledger/pkg/ai"
)

const defaultDimensions = 1536

// embedChunkSize bounds the number of inputs per embedding request.
const embedChunkSize = 256

// GenerateEmbedding creates a vector embedding for the given text using the
// configured embedding model.
func (c *OpenAIClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	res, err := c.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(res))
	}
	return res[0], nil
}

// GenerateEmbeddings creates embeddings for multiple texts, chunking large
// batches into concurrent requests. Empty inputs embed to zero vectors
// without a request. Output order matches input order.
func (c *OpenAIClient) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if c.EmbeddingClient == nil {
		return nil, fmt.Errorf("embedding client is not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	dim := int(util.GetEnvNumeric("AI_EMBED_DIM", defaultDimensions))

	idxMap, stringsIn, out := normalizeEmbeddingInputs(texts, dim)
	if len(stringsIn) == 0 {
		return out, nil
	}

	// chunk requests run concurrently; the request semaphore bounds
	// actual parallelism
	var offsets []int
	for offset := 0; offset < len(stringsIn); offset += embedChunkSize {
		offsets = append(offsets, offset)
	}
	chunks := make([][][]float32, len(offsets))
	eg, ectx := errgroup.WithContext(ctx)
	for i, offset := range offsets {
		end := min(offset+embedChunkSize, len(stringsIn))
		eg.Go(func() error {
			vecs, err := c.generateEmbeddingsForStrings(ectx, stringsIn[offset:end], dim)
			if err != nil {
				return err
			}
			chunks[i] = vecs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	flat := make([][]float32, 0, len(stringsIn))
	for _, chunk := range chunks {
		flat = append(flat, chunk...)
	}
	if len(flat) != len(stringsIn) {
		return nil, fmt.Errorf("embedding result size mismatch: got %d want %d", len(flat), len(stringsIn))
	}
	for i := range flat {
		out[idxMap[i]] = flat[i]
	}
	return out, nil
}

func normalizeEmbeddingInputs(texts []string, dim int) (idxMap []int, stringsIn []string, out [][]float32) {
	idxMap = make([]int, 0, len(texts))
	stringsIn = make([]string, 0, len(texts))
	out = make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		stringsIn = append(stringsIn, text)
	}
	return idxMap, stringsIn, out
}

func (c *OpenAIClient) generateEmbeddingsForStrings(ctx context.Context, inputs []string, dim int) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, time.Minute*time.Duration(c.timeoutMin))
	defer cancel()

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model: c.embeddingModel,
	}

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(rCtx, body)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start).Milliseconds()
	metrics := ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: 0,
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   duration,
	}
	c.modifyMetrics(metrics)

	if len(response.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, embedding := range response.Data {
		dataIdx := int(embedding.Index)
		if dataIdx < 0 || dataIdx >= len(inputs) {
			return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
		}
		vec := make([]float32, 0, dim)
		for _, v := range embedding.Embedding {
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
		out[dataIdx] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}
