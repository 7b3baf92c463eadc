package content

import "context"

// Item is one structured content record (a menu entry, a policy clause, an
// FAQ answer) owned by an app and tagged with a category.
type Item struct {
	ID       string `json:"id"`
	AppID    string `json:"app_id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// Text renders the item as a single passage for chunking and indexing.
func (i Item) Text() string {
	if i.Title == "" {
		return i.Body
	}
	return i.Title + "\n" + i.Body
}

// Store reads structured content from the external content service.
type Store interface {
	// Fetch returns every item for the app in the given categories, in a
	// stable order. An empty categories slice means all categories.
	Fetch(ctx context.Context, appID string, categories []string) ([]Item, error)
	Close() error
}
