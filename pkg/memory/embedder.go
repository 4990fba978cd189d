package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// Embedder turns text into a fixed-dimension vector. The substrate treats it
// as an external collaborator; any implementation works as long as the
// dimension stays constant for the lifetime of an index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// DefaultDims is the hash embedder's vector width.
const DefaultDims = 128

// HashEmbedder is the deterministic offline embedder: tokens are hashed into
// a fixed number of buckets and the bucket counts L2-normalized. It has no
// semantic power, but overlapping token sets stay cosine-close, which is
// enough for heuristic recall, tests, and deployments without a model.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder with the given dimension, or
// DefaultDims when dims is not positive.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDims
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dims() int { return e.dims }

// Embed never fails; the error return satisfies the Embedder contract.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dims]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		norm := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// tokenize emits whitespace/punctuation-split words plus rune bigrams per
// word. The bigrams keep Japanese text (no word separators) from collapsing
// into a single token.
func tokenize(text string) []string {
	norm := sanitize.Normalize(text)
	fields := strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var toks []string
	for _, f := range fields {
		toks = append(toks, f)
		runes := []rune(f)
		for i := 0; i+1 < len(runes); i++ {
			toks = append(toks, string(runes[i:i+2]))
		}
	}
	return toks
}
