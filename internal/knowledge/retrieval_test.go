package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/aokimidori/kaiwa/internal/embedding"
)

func snapshotWith(chunks ...Chunk) *Snapshot {
	return &Snapshot{AppID: "test", Chunks: chunks, BuiltAt: time.Now().UTC()}
}

func publish(m *Manager, appID string, snap *Snapshot) {
	m.state(appID).snap.Store(snap)
}

func TestQueryEmptyIndexReturnsNoResults(t *testing.T) {
	m := NewManager(embedding.NewMockEmbedder(), nil)
	e := NewEngine(m)

	got, err := e.Query(context.Background(), testConfig("missing"), "anything", 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Query() = %v, want empty", got)
	}
}

func TestQueryRanksByScoreWithSeqTieBreak(t *testing.T) {
	m := NewManager(embedding.NewMockEmbedder(), nil)
	e := NewEngine(m)
	cfg := testConfig("test")
	cfg.SimilarityThreshold = 0.0

	// Hand-built orthogonal-ish vectors; the mock embedder maps the query
	// deterministically, so pin vectors directly instead.
	qv, _ := embedding.NewMockEmbedder().Embed(context.Background(), "grilled chicken")
	same := normalize(qv)
	half := make([]float64, len(same))
	copy(half, same)
	for i := len(half) / 2; i < len(half); i++ {
		half[i] = 0
	}

	publish(m, "test", snapshotWith(
		Chunk{Seq: 0, Text: "partial", Vector: normalize(half)},
		Chunk{Seq: 1, Text: "exact a", Vector: same},
		Chunk{Seq: 2, Text: "exact b", Vector: same},
	))

	got, err := e.Query(context.Background(), cfg, "grilled chicken", 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("scores not non-increasing: %v", got)
		}
	}
	// The two exact matches tie; lower seq must rank first.
	if got[0].Chunk.Seq != 1 || got[1].Chunk.Seq != 2 {
		t.Fatalf("tie-break order wrong: %d then %d", got[0].Chunk.Seq, got[1].Chunk.Seq)
	}
	for i, r := range got {
		if r.Rank != i+1 {
			t.Fatalf("rank %d = %d", i, r.Rank)
		}
	}
}

func TestQueryAppliesThresholdAndK(t *testing.T) {
	m := NewManager(embedding.NewMockEmbedder(), nil)
	e := NewEngine(m)
	cfg := testConfig("test")
	cfg.SimilarityThreshold = 0.9

	qv, _ := embedding.NewMockEmbedder().Embed(context.Background(), "query words")
	same := normalize(qv)
	// Orthogonal vector: put all weight on a dimension the query left empty.
	unrelated := make([]float64, len(same))
	for i, x := range same {
		if x == 0 {
			unrelated[i] = 1
			break
		}
	}

	publish(m, "test", snapshotWith(
		Chunk{Seq: 0, Vector: same},
		Chunk{Seq: 1, Vector: same},
		Chunk{Seq: 2, Vector: normalize(unrelated)},
	))

	got, err := e.Query(context.Background(), cfg, "query words", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (k applied)", len(got))
	}
	if got[0].Score < cfg.SimilarityThreshold {
		t.Fatalf("score %f below threshold", got[0].Score)
	}
}
