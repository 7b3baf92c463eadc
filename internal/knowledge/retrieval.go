package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/aokimidori/kaiwa/internal/registry"
)

// Result is one retrieved chunk with its similarity score. Ephemeral.
type Result struct {
	Chunk Chunk
	Score float64
	Rank  int
}

// Engine answers similarity queries against the manager's current snapshots.
type Engine struct {
	manager *Manager
}

func NewEngine(manager *Manager) *Engine {
	return &Engine{manager: manager}
}

// Query embeds text and returns the top k chunks above the app's similarity
// threshold, sorted by descending score with ties broken by ascending chunk
// sequence. A missing or empty index yields an empty result, not an error.
func (e *Engine) Query(ctx context.Context, cfg *registry.AppConfig, text string, k int) ([]Result, error) {
	snap := e.manager.Snapshot(cfg.AppID)
	if snap == nil || len(snap.Chunks) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = cfg.TopK
	}

	qv, err := e.manager.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qv = normalize(qv)

	results := make([]Result, 0, len(snap.Chunks))
	for i := range snap.Chunks {
		score := dot(snap.Chunks[i].Vector, qv)
		if score <= 0 || score < cfg.SimilarityThreshold {
			continue
		}
		results = append(results, Result{Chunk: snap.Chunks[i], Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.Seq < results[j].Chunk.Seq
	})

	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
