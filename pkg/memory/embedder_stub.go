package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder is a dependency-free Embedder used in tests and by
// pkg/substrate whenever EMBEDDER_URL is set (there is no HTTP embedder
// client; the URL itself is not contacted). With EMBEDDER_URL unset no
// embedder is configured and search is FTS-only. It derives a deterministic unit
// vector from a SHA-256 hash of the text, so identical content always
// embeds identically and near-duplicate content does not — it is not
// semantically meaningful, only useful for exercising the storage and
// similarity-scoring paths without a network dependency.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds a HashEmbedder producing vectors of the given
// dimension (EMBED_DIM).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dim)
	seed := []byte(text)
	block := sha256.Sum256(seed)
	for i := 0; i < h.dim; i++ {
		if i > 0 && i%len(block) == 0 {
			block = sha256.Sum256(block[:])
		}
		off := (i % len(block))
		var u32 uint32
		if off+4 <= len(block) {
			u32 = binary.LittleEndian.Uint32(block[off : off+4])
		} else {
			u32 = uint32(block[off])
		}
		out[i] = float32(u32%1000)/1000 - 0.5
	}
	normalize(out)
	return out, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
