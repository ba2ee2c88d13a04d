package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/pkeller/valet-agent/internal/resolve"
	"github.com/pkeller/valet-agent/internal/tools"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_AddSkipsEmptyTitles(t *testing.T) {
	store := setupTestStore(t)

	created, err := store.Add([]string{"buy milk", "  ", "", "call dentist"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %d, want 2", len(created))
	}
	if created[0].Title != "buy milk" || created[1].Title != "call dentist" {
		t.Errorf("titles = %q, %q", created[0].Title, created[1].Title)
	}
}

func TestStore_ListFiltersDone(t *testing.T) {
	store := setupTestStore(t)
	created, _ := store.Add([]string{"a", "b"})
	store.Complete(created[0].ID)

	open, err := store.List(false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 || open[0].Title != "b" {
		t.Errorf("open = %+v", open)
	}

	all, _ := store.List(true)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
}

func TestStore_CompleteIdempotent(t *testing.T) {
	store := setupTestStore(t)
	created, _ := store.Add([]string{"a"})

	first, err := store.Complete(created[0].ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !first.Done || first.CompletedAt == nil {
		t.Errorf("task = %+v, want done with timestamp", first)
	}

	again, err := store.Complete(created[0].ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !again.Done {
		t.Error("task should remain done")
	}

	if _, err := store.Complete("missing-id"); err == nil {
		t.Error("completing unknown task should error")
	}
}

func setupTestTools(t *testing.T) (*tools.Registry, *Store) {
	t.Helper()
	store := setupTestStore(t)
	reg := tools.NewRegistry()
	if err := RegisterTools(reg, store); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	return reg, store
}

func TestTools_GetTasksProducesListing(t *testing.T) {
	reg, store := setupTestTools(t)
	store.Add([]string{"buy milk", "call dentist"})

	res, err := reg.Execute(context.Background(), "list_tasks", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Listing == nil || res.Listing.Kind != resolve.KindTask {
		t.Fatalf("listing = %+v", res.Listing)
	}
	if len(res.Listing.Items) != 2 {
		t.Errorf("items = %d, want 2", len(res.Listing.Items))
	}
	if !strings.Contains(res.Output, "buy milk") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestTools_GuardedTools(t *testing.T) {
	reg, _ := setupTestTools(t)
	for _, name := range []string{"add_task", "complete_task"} {
		if !reg.RequiresApproval(name) {
			t.Errorf("%s should require approval", name)
		}
	}
	if reg.RequiresApproval("list_tasks") {
		t.Error("list_tasks should not require approval")
	}
}

func TestTools_CompleteByOrdinal(t *testing.T) {
	reg, store := setupTestTools(t)
	store.Add([]string{"buy milk", "call dentist"})

	listRes, _ := reg.Execute(context.Background(), "list_tasks", nil)
	ctx := tools.WithListing(context.Background(), listRes.Listing)

	res, err := reg.Execute(ctx, "complete_task", map[string]any{"task": "the first one"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "buy milk") {
		t.Errorf("output = %q", res.Output)
	}

	open, _ := store.List(false)
	if len(open) != 1 || open[0].Title != "call dentist" {
		t.Errorf("open = %+v", open)
	}
}

func TestTools_CompleteAll(t *testing.T) {
	reg, store := setupTestTools(t)
	store.Add([]string{"a", "b", "c"})

	listRes, _ := reg.Execute(context.Background(), "list_tasks", nil)
	ctx := tools.WithListing(context.Background(), listRes.Listing)

	if _, err := reg.Execute(ctx, "complete_task", map[string]any{"task": "all of them"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	open, _ := store.List(false)
	if len(open) != 0 {
		t.Errorf("open = %+v, want none", open)
	}
}

func TestTools_CompleteByTitleWithoutListing(t *testing.T) {
	reg, store := setupTestTools(t)
	store.Add([]string{"buy milk"})

	// Title references work against open tasks even without a prior
	// listing; ordinals do not.
	if _, err := reg.Execute(context.Background(), "complete_task", map[string]any{"task": "buy milk"}); err != nil {
		t.Fatalf("title without listing: %v", err)
	}
	open, _ := store.List(false)
	if len(open) != 0 {
		t.Errorf("open = %+v", open)
	}

	store.Add([]string{"x"})
	if _, err := reg.Execute(context.Background(), "complete_task", map[string]any{"task": "the first one"}); err == nil {
		t.Error("ordinal without listing should error")
	}
}

func TestTools_CompleteAmbiguous(t *testing.T) {
	reg, store := setupTestTools(t)
	store.Add([]string{"budget draft", "budget review"})

	listRes, _ := reg.Execute(context.Background(), "list_tasks", nil)
	ctx := tools.WithListing(context.Background(), listRes.Listing)

	_, err := reg.Execute(ctx, "complete_task", map[string]any{"task": "budget"})
	var amb *resolve.ErrAmbiguous
	if !errors.As(err, &amb) {
		t.Fatalf("err = %v, want *ErrAmbiguous", err)
	}
}
