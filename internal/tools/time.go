package tools

import (
	"context"
	"fmt"
	"time"
)

// RegisterClock adds the get_current_time tool. The planner has no
// inherent sense of time; relative requests ("tomorrow at 3") need a
// reference point in the user's zone.
func RegisterClock(r *Registry, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	return r.Register(&Tool{
		Name:        "get_current_time",
		Description: "Get the current date and time in the user's timezone. Use this before interpreting relative dates like 'tomorrow' or 'next week'.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			now := time.Now().In(loc)
			return Text(fmt.Sprintf("%s (%s, %s)",
				now.Format("Monday, January 2, 2006 at 3:04 PM"),
				now.Format(time.RFC3339),
				loc.String(),
			)), nil
		},
	})
}
