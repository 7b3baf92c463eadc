// Package knowledge builds immutable embedding indexes per app and answers
// similarity queries against the currently published snapshot. A rebuild
// always produces a complete new snapshot and publishes it with one atomic
// pointer swap; readers never see a partially built index.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aokimidori/kaiwa/internal/content"
	"github.com/aokimidori/kaiwa/internal/embedding"
	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/registry"
)

// ErrBuildFailed reports a failed index build. The previously published
// snapshot, if any, keeps serving.
var ErrBuildFailed = errors.New("index build failed")

// Chunk is one embedded span of source text. Immutable once built.
type Chunk struct {
	Source string
	Seq    int
	Text   string
	Vector []float64
}

// Snapshot is one complete, immutable index version.
type Snapshot struct {
	AppID      string
	Chunks     []Chunk
	BuiltAt    time.Time
	SourceDocs int
}

// Status describes an app's index for the status endpoint.
type Status struct {
	ChunkCount      int       `json:"chunk_count"`
	LastBuildTime   time.Time `json:"last_build_time"`
	BuildInProgress bool      `json:"build_in_progress"`
	LastError       string    `json:"last_error,omitempty"`
}

type appState struct {
	snap     atomic.Pointer[Snapshot]
	building atomic.Bool

	mu      sync.Mutex
	lastErr string
}

// Manager owns the per-app snapshot pointers and runs full rebuilds.
type Manager struct {
	embedder  embedding.Embedder
	store     content.Store
	buildHook func(appID, outcome string)

	mu     sync.Mutex
	states map[string]*appState
}

// SetBuildHook registers a callback invoked after every build attempt with
// outcome "success" or "failure". Call before the first build.
func (m *Manager) SetBuildHook(hook func(appID, outcome string)) {
	m.buildHook = hook
}

func NewManager(embedder embedding.Embedder, store content.Store) *Manager {
	return &Manager{
		embedder: embedder,
		store:    store,
		states:   make(map[string]*appState),
	}
}

func (m *Manager) state(appID string) *appState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[appID]
	if !ok {
		st = &appState{}
		m.states[appID] = st
	}
	return st
}

// Snapshot returns the currently published snapshot, or nil before the first
// successful build.
func (m *Manager) Snapshot(appID string) *Snapshot {
	return m.state(appID).snap.Load()
}

// Status reports the current index state for an app.
func (m *Manager) Status(appID string) Status {
	st := m.state(appID)

	status := Status{BuildInProgress: st.building.Load()}
	if snap := st.snap.Load(); snap != nil {
		status.ChunkCount = len(snap.Chunks)
		status.LastBuildTime = snap.BuiltAt
	}
	st.mu.Lock()
	status.LastError = st.lastErr
	st.mu.Unlock()
	return status
}

// Ready reports whether at least one app has a published snapshot.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		if st.snap.Load() != nil {
			return true
		}
	}
	return false
}

// TriggerRebuild starts an asynchronous full rebuild unless one is already
// running for the app. Returns whether the rebuild was accepted.
func (m *Manager) TriggerRebuild(cfg *registry.AppConfig) bool {
	st := m.state(cfg.AppID)
	if !st.building.CompareAndSwap(false, true) {
		return false
	}

	go func() {
		defer st.building.Store(false)
		if err := m.build(context.Background(), cfg, st); err != nil {
			logging.Error().Err(err).Str("app_id", cfg.AppID).Msg("index rebuild failed")
		}
	}()
	return true
}

// Build runs a synchronous full rebuild. Used at startup and in tests;
// concurrent builds for the same app are collapsed into one.
func (m *Manager) Build(ctx context.Context, cfg *registry.AppConfig) error {
	st := m.state(cfg.AppID)
	if !st.building.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: build already in progress", ErrBuildFailed)
	}
	defer st.building.Store(false)
	return m.build(ctx, cfg, st)
}

func (m *Manager) build(ctx context.Context, cfg *registry.AppConfig, st *appState) (err error) {
	started := time.Now().UTC()
	if m.buildHook != nil {
		defer func() {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			m.buildHook(cfg.AppID, outcome)
		}()
	}

	docs, err := m.loadDocuments(ctx, cfg)
	if err == nil && len(docs) == 0 {
		err = errors.New("empty corpus")
	}
	if err != nil {
		st.recordError(err)
		return fmt.Errorf("%w: app %q: %v", ErrBuildFailed, cfg.AppID, err)
	}

	var (
		texts   []string
		sources []string
	)
	for _, doc := range docs {
		for _, text := range SplitChunks(doc.text, cfg.ChunkSize, cfg.ChunkOverlap) {
			texts = append(texts, text)
			sources = append(sources, doc.ref)
		}
	}
	if len(texts) == 0 {
		err := errors.New("corpus produced no chunks")
		st.recordError(err)
		return fmt.Errorf("%w: app %q: %v", ErrBuildFailed, cfg.AppID, err)
	}

	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		st.recordError(err)
		return fmt.Errorf("%w: app %q: embed corpus: %v", ErrBuildFailed, cfg.AppID, err)
	}

	chunks := make([]Chunk, len(texts))
	for i := range texts {
		chunks[i] = Chunk{
			Source: sources[i],
			Seq:    i,
			Text:   texts[i],
			Vector: normalize(vectors[i]),
		}
	}

	snap := &Snapshot{
		AppID:      cfg.AppID,
		Chunks:     chunks,
		BuiltAt:    time.Now().UTC(),
		SourceDocs: len(docs),
	}
	st.snap.Store(snap)
	st.recordError(nil)

	logging.Info().
		Str("app_id", cfg.AppID).
		Int("documents", len(docs)).
		Int("chunks", len(chunks)).
		Dur("took", time.Since(started)).
		Msg("knowledge index built")
	return nil
}

type document struct {
	ref  string
	text string
}

func (m *Manager) loadDocuments(ctx context.Context, cfg *registry.AppConfig) ([]document, error) {
	var docs []document

	if dir := cfg.Knowledge.Path; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read knowledge dir: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".txt" && ext != ".md" {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("read document %s: %w", name, err)
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				docs = append(docs, document{ref: "file:" + name, text: text})
			}
		}
	}

	if m.store != nil && (len(cfg.Knowledge.ContentCategories) > 0 || cfg.Knowledge.Path == "") {
		items, err := m.store.Fetch(ctx, cfg.AppID, cfg.Knowledge.ContentCategories)
		if err != nil {
			return nil, fmt.Errorf("fetch content items: %w", err)
		}
		for _, it := range items {
			if text := strings.TrimSpace(it.Text()); text != "" {
				docs = append(docs, document{ref: "content:" + it.Category + "/" + it.ID, text: text})
			}
		}
	}

	return docs, nil
}

func (st *appState) recordError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err == nil {
		st.lastErr = ""
		return
	}
	st.lastErr = err.Error()
}

func normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
