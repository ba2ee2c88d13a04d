package taskstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkeller/valet-agent/internal/resolve"
	"github.com/pkeller/valet-agent/internal/tools"
)

// RegisterTools adds the task tools to the registry. Adding and
// completing tasks mutate user data, so both require approval.
func RegisterTools(r *tools.Registry, store *Store) error {
	t := &taskTools{store: store}

	if err := r.Register(&tools.Tool{
		Name:        "list_tasks",
		Description: "List the user's to-do tasks. Returns open tasks by default.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"include_completed": map[string]any{
					"type":        "boolean",
					"description": "Include tasks that are already done (default false)",
				},
			},
		},
		Handler: t.handleList,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "add_task",
		Description: "Add one or more tasks to the user's to-do list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"titles": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Task titles to add",
				},
			},
			"required": []string{"titles"},
		},
		RequiresApproval: true,
		Handler:          t.handleAdd,
	}); err != nil {
		return err
	}

	return r.Register(&tools.Tool{
		Name:        "complete_task",
		Description: "Mark a task as done. Refer to a task from the last list_tasks listing by position ('the second one'), by title, or 'all'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Which task to complete, as the user referred to it",
				},
			},
			"required": []string{"task"},
		},
		RequiresApproval: true,
		Handler:          t.handleComplete,
	})
}

type taskTools struct {
	store *Store
}

func (t *taskTools) handleList(ctx context.Context, args map[string]any) (*tools.Result, error) {
	includeDone := tools.BoolArg(args, "include_completed", false)

	list, err := t.store.List(includeDone)
	if err != nil {
		return nil, err
	}

	if len(list) == 0 {
		return &tools.Result{
			Output:  "No tasks.",
			Listing: &resolve.Listing{Kind: resolve.KindTask},
		}, nil
	}

	var b strings.Builder
	listing := &resolve.Listing{Kind: resolve.KindTask}
	fmt.Fprintf(&b, "%d task(s):\n", len(list))
	for i, task := range list {
		status := "open"
		if task.Done {
			status = "done"
		}
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, task.Title, status)
		listing.Items = append(listing.Items, resolve.Item{ID: task.ID, Title: task.Title})
	}

	return &tools.Result{Output: b.String(), Listing: listing}, nil
}

func (t *taskTools) handleAdd(ctx context.Context, args map[string]any) (*tools.Result, error) {
	titles := tools.StringSliceArg(args, "titles")
	if len(titles) == 0 {
		return nil, fmt.Errorf("titles is required")
	}

	created, err := t.store.Add(titles)
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("no non-empty titles given")
	}

	names := make([]string, len(created))
	for i, task := range created {
		names[i] = fmt.Sprintf("%q", task.Title)
	}
	return tools.Text(fmt.Sprintf("Added %d task(s): %s", len(created), strings.Join(names, ", "))), nil
}

func (t *taskTools) handleComplete(ctx context.Context, args map[string]any) (*tools.Result, error) {
	ref := tools.StringArg(args, "task", "")
	if ref == "" {
		return nil, fmt.Errorf("task is required")
	}

	listing := tools.ListingFromContext(ctx)
	if listing != nil && listing.Kind != resolve.KindTask {
		listing = nil
	}

	ids, err := t.resolveRef(listing, ref)
	if err != nil {
		return nil, err
	}

	var titles []string
	for _, id := range ids {
		task, err := t.store.Complete(id)
		if err != nil {
			return nil, err
		}
		titles = append(titles, fmt.Sprintf("%q", task.Title))
	}
	return tools.Text(fmt.Sprintf("Completed: %s", strings.Join(titles, ", "))), nil
}

// resolveRef maps a reference onto task IDs. When no task listing is
// live, title references fall back to matching against the full set
// of open tasks, so "complete buy milk" works without a prior
// list_tasks call.
func (t *taskTools) resolveRef(listing *resolve.Listing, ref string) ([]string, error) {
	if listing != nil {
		return resolve.ResolveText(listing, ref)
	}

	open, err := t.store.List(false)
	if err != nil {
		return nil, err
	}
	fallback := &resolve.Listing{Kind: resolve.KindTask}
	for _, task := range open {
		fallback.Items = append(fallback.Items, resolve.Item{ID: task.ID, Title: task.Title})
	}

	sel := resolve.ParseSelector(ref)
	if sel.Title == "" {
		// Ordinals and "all" are only meaningful against a listing the
		// user actually saw.
		return nil, &resolve.ErrNoListing{Ref: ref}
	}
	return resolve.Resolve(fallback, sel)
}
