// Package registry loads and resolves per-app configuration. Each app served
// by the engine is described by one YAML file; configs are validated once at
// startup and never mutated afterwards.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aokimidori/kaiwa/internal/logging"
)

var (
	// ErrNotFound reports that no configuration exists for an app id.
	ErrNotFound = errors.New("app config not found")
	// ErrInvalid reports a malformed configuration; the wrapping message
	// names the offending field.
	ErrInvalid = errors.New("app config invalid")
)

// FieldSpec describes one required-information field and how to recognize it
// in free-form user input.
type FieldSpec struct {
	Name     string
	Patterns []*regexp.Regexp
	Keywords []string
	Synonyms map[string][]string
}

// GoalCategory groups keywords that indicate one plausible user goal.
type GoalCategory struct {
	Name     string
	Keywords []string
}

// KnowledgeSource names where an app's corpus comes from: a local document
// directory, content-store categories, or both.
type KnowledgeSource struct {
	Path              string
	ContentCategories []string
}

// AppConfig is the immutable configuration of one conversational app.
type AppConfig struct {
	AppID          string
	PromptTemplate string
	Instructions   string

	RequiredFields []FieldSpec
	GoalCategories []GoalCategory
	RejectKeywords []string

	Knowledge KnowledgeSource

	ChunkSize              int
	ChunkOverlap           int
	TopK                   int
	SimilarityThreshold    float64
	ClarificationThreshold int
	HistoryWindow          int
}

// RequiredFieldNames returns the field names in declaration order.
func (c *AppConfig) RequiredFieldNames() []string {
	names := make([]string, 0, len(c.RequiredFields))
	for _, f := range c.RequiredFields {
		names = append(names, f.Name)
	}
	return names
}

type rawField struct {
	Name     string              `yaml:"name"`
	Patterns []string            `yaml:"patterns"`
	Keywords []string            `yaml:"keywords"`
	Synonyms map[string][]string `yaml:"synonyms"`
}

type rawGoal struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

type rawKnowledge struct {
	Path              string   `yaml:"path"`
	ContentCategories []string `yaml:"content_categories"`
}

type rawConfig struct {
	AppID                  string       `yaml:"app_id"`
	PromptTemplate         string       `yaml:"prompt_template"`
	Instructions           string       `yaml:"instructions"`
	RequiredFields         []rawField   `yaml:"required_fields"`
	GoalCategories         []rawGoal    `yaml:"goal_categories"`
	RejectKeywords         []string     `yaml:"reject_keywords"`
	Knowledge              rawKnowledge `yaml:"knowledge"`
	ChunkSize              int          `yaml:"chunk_size"`
	ChunkOverlap           int          `yaml:"chunk_overlap"`
	TopK                   int          `yaml:"top_k"`
	SimilarityThreshold    float64      `yaml:"similarity_threshold"`
	ClarificationThreshold int          `yaml:"clarification_threshold"`
	HistoryWindow          int          `yaml:"history_window"`
}

// Registry resolves app ids to their configurations. Read-only after load.
type Registry struct {
	apps map[string]*AppConfig
}

// LoadDir parses every *.yaml/*.yml file in dir. An invalid file disables
// that app only; other apps are still served. At least one app must load.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read app config dir: %w", err)
	}

	apps := make(map[string]*AppConfig)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		cfg, err := LoadFile(path)
		if err != nil {
			logging.Warn().Err(err).Str("file", entry.Name()).Msg("skipping invalid app config")
			continue
		}
		if _, dup := apps[cfg.AppID]; dup {
			logging.Warn().Str("app_id", cfg.AppID).Str("file", entry.Name()).Msg("duplicate app id, keeping first")
			continue
		}
		apps[cfg.AppID] = cfg
		logging.Info().Str("app_id", cfg.AppID).Int("required_fields", len(cfg.RequiredFields)).Msg("app config loaded")
	}

	if len(apps) == 0 {
		return nil, fmt.Errorf("no valid app configs in %s", dir)
	}
	return &Registry{apps: apps}, nil
}

// LoadFile parses and validates a single app config file.
func LoadFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, filepath.Base(path), err)
	}
	return buildConfig(raw)
}

// NewRegistry wraps already-built configs, for tests and embedded setups.
func NewRegistry(configs ...*AppConfig) *Registry {
	apps := make(map[string]*AppConfig, len(configs))
	for _, c := range configs {
		apps[c.AppID] = c
	}
	return &Registry{apps: apps}
}

// Resolve returns the configuration for an app id.
func (r *Registry) Resolve(appID string) (*AppConfig, error) {
	cfg, ok := r.apps[appID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, appID)
	}
	return cfg, nil
}

// Apps returns the ids of every served app, sorted lexically.
func (r *Registry) Apps() []string {
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func buildConfig(raw rawConfig) (*AppConfig, error) {
	appID := strings.TrimSpace(raw.AppID)
	if appID == "" {
		return nil, invalid("", "app_id", "must not be empty")
	}
	if strings.TrimSpace(raw.PromptTemplate) == "" {
		return nil, invalid(appID, "prompt_template", "must not be empty")
	}
	if len(raw.RequiredFields) == 0 {
		return nil, invalid(appID, "required_fields", "at least one field is required")
	}

	cfg := &AppConfig{
		AppID:          appID,
		PromptTemplate: raw.PromptTemplate,
		Instructions:   raw.Instructions,
		RejectKeywords: lowerAll(raw.RejectKeywords),
		Knowledge: KnowledgeSource{
			Path:              strings.TrimSpace(raw.Knowledge.Path),
			ContentCategories: raw.Knowledge.ContentCategories,
		},
		ChunkSize:              raw.ChunkSize,
		ChunkOverlap:           raw.ChunkOverlap,
		TopK:                   raw.TopK,
		SimilarityThreshold:    raw.SimilarityThreshold,
		ClarificationThreshold: raw.ClarificationThreshold,
		HistoryWindow:          raw.HistoryWindow,
	}

	applyDefaults(cfg)

	if cfg.ChunkSize <= 0 {
		return nil, invalid(appID, "chunk_size", "must be positive")
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, invalid(appID, "chunk_overlap", "must be in [0, chunk_size)")
	}
	if cfg.TopK <= 0 {
		return nil, invalid(appID, "top_k", "must be positive")
	}
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold >= 1 {
		return nil, invalid(appID, "similarity_threshold", "must be in [0, 1)")
	}
	if cfg.ClarificationThreshold <= 0 {
		return nil, invalid(appID, "clarification_threshold", "must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return nil, invalid(appID, "history_window", "must be positive")
	}

	seen := make(map[string]bool, len(raw.RequiredFields))
	for _, rf := range raw.RequiredFields {
		name := strings.TrimSpace(rf.Name)
		if name == "" {
			return nil, invalid(appID, "required_fields.name", "must not be empty")
		}
		if seen[name] {
			return nil, invalid(appID, "required_fields."+name, "duplicate field name")
		}
		seen[name] = true

		spec := FieldSpec{
			Name:     name,
			Keywords: lowerAll(rf.Keywords),
			Synonyms: lowerSynonyms(rf.Synonyms),
		}
		for _, p := range rf.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, invalid(appID, "required_fields."+name+".patterns", err.Error())
			}
			spec.Patterns = append(spec.Patterns, re)
		}
		cfg.RequiredFields = append(cfg.RequiredFields, spec)
	}

	for _, g := range raw.GoalCategories {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, invalid(appID, "goal_categories.name", "must not be empty")
		}
		cfg.GoalCategories = append(cfg.GoalCategories, GoalCategory{
			Name:     name,
			Keywords: lowerAll(g.Keywords),
		})
	}

	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 600
	}
	if cfg.TopK == 0 {
		cfg.TopK = 4
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.25
	}
	if cfg.ClarificationThreshold == 0 {
		cfg.ClarificationThreshold = 3
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 6
	}
}

func invalid(appID, field, reason string) error {
	if appID == "" {
		return fmt.Errorf("%w: field %s: %s", ErrInvalid, field, reason)
	}
	return fmt.Errorf("%w: app %q field %s: %s", ErrInvalid, appID, field, reason)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func lowerSynonyms(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, vs := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = lowerAll(vs)
	}
	return out
}
