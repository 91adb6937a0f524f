// Package embed computes weighted entity embeddings. The canonical entity
// text "<name clause>; <description clause>" is embedded as two independent
// vectors that are weight-concatenated and L2-normalized, so name agreement
// dominates similarity even when descriptive fields differ.
package embed

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Provider produces raw embeddings for a batch of texts. All vectors of one
// provider must share a dimension.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFunc adapts a batch embedding function to the Provider interface.
type ProviderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f ProviderFunc) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

const (
	DefaultNameWeight = 3.0
	DefaultDescWeight = 1.0
)

// Weighted embeds entity texts with separate name and description clause
// vectors. The output dimension is twice the provider's dimension.
type Weighted struct {
	provider   Provider
	nameWeight float32
	descWeight float32
}

// NewWeighted creates a weighted embedder with the default 3:1 name bias.
func NewWeighted(provider Provider) *Weighted {
	return &Weighted{
		provider:   provider,
		nameWeight: DefaultNameWeight,
		descWeight: DefaultDescWeight,
	}
}

// NewWeightedWithWeights creates a weighted embedder with explicit clause
// weights.
func NewWeightedWithWeights(provider Provider, nameWeight, descWeight float32) *Weighted {
	return &Weighted{
		provider:   provider,
		nameWeight: nameWeight,
		descWeight: descWeight,
	}
}

// splitNameAndDesc separates the canonical text into its name and
// description clauses. Text without a separator uses the whole text for
// both clauses.
func splitNameAndDesc(text string) (string, string) {
	pieces := strings.SplitN(text, "; ", 2)
	if len(pieces) != 2 {
		return text, text
	}
	return pieces[0], pieces[1]
}

// Embed computes the weighted embedding of one entity text.
func (w *Weighted) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := w.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch computes weighted embeddings for a batch of entity texts. The
// two clause batches are embedded in parallel; everything after is pure.
func (w *Weighted) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	names := make([]string, len(texts))
	descs := make([]string, len(texts))
	for i, text := range texts {
		names[i], descs[i] = splitNameAndDesc(text)
	}

	var nameVecs, descVecs [][]float32
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		vecs, err := w.provider.EmbedBatch(groupCtx, names)
		if err != nil {
			return fmt.Errorf("failed to embed name clauses: %w", err)
		}
		nameVecs = vecs
		return nil
	})
	group.Go(func() error {
		vecs, err := w.provider.EmbedBatch(groupCtx, descs)
		if err != nil {
			return fmt.Errorf("failed to embed description clauses: %w", err)
		}
		descVecs = vecs
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(nameVecs) != len(texts) || len(descVecs) != len(texts) {
		return nil, fmt.Errorf("provider returned %d name and %d desc vectors for %d texts", len(nameVecs), len(descVecs), len(texts))
	}

	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, 0, len(nameVecs[i])+len(descVecs[i]))
		for _, v := range nameVecs[i] {
			vec = append(vec, w.nameWeight*v)
		}
		for _, v := range descVecs[i] {
			vec = append(vec, w.descWeight*v)
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// Similarity returns the cosine similarity of two vectors.
func Similarity(a, b []float32) float64 {
	return cosine(a, b)
}

// NameSimilarity returns the cosine similarity restricted to the name
// sub-vector, the first half of each weighted embedding.
func NameSimilarity(a, b []float32) float64 {
	return cosine(a[:len(a)/2], b[:len(b)/2])
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
