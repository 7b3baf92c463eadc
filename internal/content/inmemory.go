package content

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore holds content items in process memory. Used when no database
// is configured and as the fake in tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	items []Item
}

func NewInMemoryStore(items ...Item) *InMemoryStore {
	s := &InMemoryStore{}
	s.Add(items...)
	return s
}

// Add appends items to the store.
func (s *InMemoryStore) Add(items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
}

func (s *InMemoryStore) Fetch(_ context.Context, appID string, categories []string) ([]Item, error) {
	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Item
	for _, it := range s.items {
		if it.AppID != appID {
			continue
		}
		if len(wanted) > 0 && !wanted[it.Category] {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
