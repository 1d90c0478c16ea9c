package qdrant

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic bag-of-words embedder. It gives stable,
// provider-free vectors: good enough for keyword-level retrieval in dev and
// tests, swapped for a real embedding model in production wiring.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns an embedder producing vectors of the store's size.
func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{Dim: vectorSize} }

// Embed maps each text to a normalised term-frequency vector over hashed
// token buckets.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, e.Dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			v[h.Sum32()%uint32(e.Dim)]++
		}
		normalize(v)
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
