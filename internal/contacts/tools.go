package contacts

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkeller/valet-agent/internal/tools"
)

// RegisterTools adds the find_contact tool to the registry. Lookups
// are read-only and never require approval.
func RegisterTools(r *tools.Registry, dir Directory) {
	r.MustRegister(&tools.Tool{
		Name:        "find_contact",
		Description: "Look up a person in the address book by name and return their email address.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Full or partial name of the person to look up.",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			name := strings.TrimSpace(tools.StringArg(args, "name", ""))
			if name == "" {
				return nil, fmt.Errorf("find_contact: name is required")
			}

			matches, err := dir.Find(ctx, name)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return tools.Text(fmt.Sprintf("No contact found for %q.", name)), nil
			}

			var b strings.Builder
			for i, m := range matches {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "%s <%s>", m.Name, m.Email)
			}
			return tools.Text(b.String()), nil
		},
	})
}
