package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/aokimidori/kaiwa/internal/content"
	"github.com/aokimidori/kaiwa/internal/embedding"
	"github.com/aokimidori/kaiwa/internal/registry"
)

func testConfig(appID string) *registry.AppConfig {
	return &registry.AppConfig{
		AppID:                  appID,
		PromptTemplate:         "p",
		ChunkSize:              80,
		ChunkOverlap:           10,
		TopK:                   3,
		SimilarityThreshold:    0.1,
		ClarificationThreshold: 3,
		HistoryWindow:          4,
	}
}

func TestBuildFromFilesAndContentStore(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "menu.txt"), []byte("Negima skewer with leek and chicken."), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	store := content.NewInMemoryStore(
		content.Item{ID: "1", AppID: "restaurant", Category: "faq", Title: "Hours", Body: "Open from five."},
	)
	m := NewManager(embedding.NewMockEmbedder(), store)

	cfg := testConfig("restaurant")
	cfg.Knowledge = registry.KnowledgeSource{Path: dir, ContentCategories: []string{"faq"}}

	if err := m.Build(context.Background(), cfg); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	snap := m.Snapshot("restaurant")
	if snap == nil {
		t.Fatalf("no snapshot published")
	}
	if snap.SourceDocs != 2 {
		t.Fatalf("SourceDocs = %d, want 2", snap.SourceDocs)
	}
	for i, c := range snap.Chunks {
		if c.Seq != i {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
		if len(c.Vector) == 0 {
			t.Fatalf("chunk %d has no vector", i)
		}
	}

	status := m.Status("restaurant")
	if status.ChunkCount != len(snap.Chunks) || status.BuildInProgress {
		t.Fatalf("status = %+v", status)
	}
	if status.LastBuildTime.IsZero() {
		t.Fatalf("LastBuildTime not set")
	}
	if !m.Ready() {
		t.Fatalf("Ready() = false after build")
	}
}

func TestBuildEmptyCorpusFails(t *testing.T) {
	m := NewManager(embedding.NewMockEmbedder(), content.NewInMemoryStore())
	err := m.Build(context.Background(), testConfig("empty"))
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("Build() error = %v, want ErrBuildFailed", err)
	}
	if m.Snapshot("empty") != nil {
		t.Fatalf("failed build must not publish a snapshot")
	}
	if st := m.Status("empty"); st.LastError == "" {
		t.Fatalf("status should carry the build error")
	}
}

func TestBuildFailureKeepsPriorSnapshot(t *testing.T) {
	store := content.NewInMemoryStore(
		content.Item{ID: "1", AppID: "a", Body: "Some knowledge."},
	)
	emb := embedding.NewMockEmbedder()
	m := NewManager(emb, store)
	cfg := testConfig("a")

	if err := m.Build(context.Background(), cfg); err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	before := m.Snapshot("a")

	emb.Fail = errors.New("embedding down")
	if err := m.Build(context.Background(), cfg); !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("second Build() error = %v, want ErrBuildFailed", err)
	}

	if got := m.Snapshot("a"); got != before {
		t.Fatalf("failed build replaced the served snapshot")
	}
	if st := m.Status("a"); st.LastError == "" {
		t.Fatalf("status should report the failed build")
	}
}

func TestConcurrentRebuildAndSnapshotReads(t *testing.T) {
	m := NewManager(embedding.NewMockEmbedder(), nil)
	cfg := testConfig("gen")
	dir := t.TempDir()
	cfg.Knowledge = registry.KnowledgeSource{Path: dir}

	// Each generation writes a corpus whose every chunk contains its own
	// generation marker, so a mixed snapshot is detectable.
	genRe := regexp.MustCompile(`gen\d`)
	writeGen := func(gen int) {
		body := strings.Repeat(fmt.Sprintf("gen%d ", gen), 80)
		if err := os.WriteFile(filepath.Join(dir, "doc.txt"), []byte(body), 0o644); err != nil {
			t.Fatalf("write doc: %v", err)
		}
	}

	writeGen(0)
	if err := m.Build(context.Background(), cfg); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := m.Snapshot("gen")
			if snap == nil {
				t.Errorf("snapshot disappeared")
				return
			}
			// Every chunk in one snapshot must come from the same build.
			want := genRe.FindString(snap.Chunks[0].Text)
			for _, c := range snap.Chunks {
				if got := genRe.FindString(c.Text); got != want {
					t.Errorf("snapshot mixes builds: %q vs %q", want, got)
					return
				}
			}
		}
	}()

	for gen := 1; gen <= 9; gen++ {
		writeGen(gen)
		if err := m.Build(context.Background(), cfg); err != nil {
			t.Fatalf("Build(gen %d) error = %v", gen, err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestTriggerRebuildDeduplicates(t *testing.T) {
	store := content.NewInMemoryStore(content.Item{ID: "1", AppID: "a", Body: "knowledge"})
	m := NewManager(embedding.NewMockEmbedder(), store)
	cfg := testConfig("a")

	st := m.state("a")
	st.building.Store(true)
	if m.TriggerRebuild(cfg) {
		t.Fatalf("TriggerRebuild should be rejected while a build is running")
	}
	st.building.Store(false)
	if !m.TriggerRebuild(cfg) {
		t.Fatalf("TriggerRebuild should be accepted when idle")
	}
}
