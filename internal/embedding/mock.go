package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockEmbedder derives deterministic vectors from token hashes. Texts that
// share words get correlated vectors, which is enough for retrieval ranking
// in tests and offline runs.
type MockEmbedder struct {
	Dim  int
	Fail error
}

func NewMockEmbedder() *MockEmbedder { return &MockEmbedder{Dim: 32} }

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	return m.vector(text), nil
}

func (m *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *MockEmbedder) Ping(context.Context) error { return m.Fail }

func (m *MockEmbedder) vector(text string) []float64 {
	dim := m.Dim
	if dim <= 0 {
		dim = 32
	}
	v := make([]float64, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[int(h.Sum32())%dim] += 1
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}
