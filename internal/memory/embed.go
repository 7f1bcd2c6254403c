package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector. Real embedding models live outside
// this module.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a deterministic bag-of-words feature hashing embedder.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns an embedder with the given dimension (default 128).
func NewHashEmbedder(dim int) HashEmbedder {
	if dim <= 0 {
		dim = 128
	}
	return HashEmbedder{Dim: dim}
}

// Embed implements Embedder. The result is L2-normalised.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = 128
	}
	vec := make([]float32, dim)
	for _, tok := range tokenize(text) {
		hf := fnv.New32a()
		_, _ = hf.Write([]byte(tok))
		sum := hf.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%dim] += sign
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
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
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// Cosine returns the cosine similarity of two vectors, 0 if either is empty
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard returns the word-set overlap of two texts.
func Jaccard(a, b string) float64 {
	sa := make(map[string]struct{})
	for _, t := range tokenize(a) {
		sa[t] = struct{}{}
	}
	sb := make(map[string]struct{})
	for _, t := range tokenize(b) {
		sb[t] = struct{}{}
	}
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}
