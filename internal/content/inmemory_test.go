package content

import (
	"context"
	"testing"
)

func TestInMemoryStoreFiltersByAppAndCategory(t *testing.T) {
	s := NewInMemoryStore(
		Item{ID: "1", AppID: "restaurant", Category: "menu", Title: "Negima", Body: "Chicken and leek skewer."},
		Item{ID: "2", AppID: "restaurant", Category: "faq", Title: "Hours", Body: "Open 17:00-23:00."},
		Item{ID: "3", AppID: "legal", Category: "faq", Title: "Fees", Body: "First consultation is free."},
	)

	all, err := s.Fetch(context.Background(), "restaurant", nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	// Ordered by category, so faq before menu.
	if all[0].Title != "Hours" || all[1].Title != "Negima" {
		t.Fatalf("unexpected order: %+v", all)
	}

	menus, err := s.Fetch(context.Background(), "restaurant", []string{"menu"})
	if err != nil {
		t.Fatalf("Fetch(menu) error = %v", err)
	}
	if len(menus) != 1 || menus[0].ID != "1" {
		t.Fatalf("Fetch(menu) = %+v", menus)
	}

	none, err := s.Fetch(context.Background(), "insurance", nil)
	if err != nil {
		t.Fatalf("Fetch(insurance) error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no items, got %+v", none)
	}
}

func TestItemText(t *testing.T) {
	it := Item{Title: "Hours", Body: "Open late."}
	if got := it.Text(); got != "Hours\nOpen late." {
		t.Fatalf("Text() = %q", got)
	}
	if got := (Item{Body: "Only body."}).Text(); got != "Only body." {
		t.Fatalf("Text() = %q", got)
	}
}
