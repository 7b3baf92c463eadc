package content

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise an
// empty in-memory one so apps without structured content still serve.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
