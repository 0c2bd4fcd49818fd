package memory

import (
	"context"
	"hash/fnv"
	"strings"
)

// StaticEmbedder is a deterministic, offline Embedder for tests and local
// development. It hashes word tokens into a small fixed-dimension bag so that
// texts sharing words land near each other.
type StaticEmbedder struct {
	Dim int
	Err error // if set, every call fails with it
}

// Embed implements Embedder.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?'\"")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%uint32(dim)]++
	}
	return vec, nil
}

var _ Embedder = (*StaticEmbedder)(nil)
