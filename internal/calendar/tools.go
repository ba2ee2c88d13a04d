package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkeller/valet-agent/internal/resolve"
	"github.com/pkeller/valet-agent/internal/tools"
)

// RegisterTools adds the calendar tools to the registry. Creating
// events mutates the user's calendar, so add_event requires approval.
func RegisterTools(r *tools.Registry, svc Service, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	t := &calTools{svc: svc, loc: loc}

	if err := r.Register(&tools.Tool{
		Name:        "list_events",
		Description: "List upcoming calendar events. Defaults to the next 7 days.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start": map[string]any{
					"type":        "string",
					"description": "Window start as RFC 3339 or YYYY-MM-DD (default: now)",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "Window end as RFC 3339 or YYYY-MM-DD (default: start + 7 days)",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of events to return (1-25, default 10)",
				},
			},
		},
		Handler: t.handleList,
	}); err != nil {
		return err
	}

	return r.Register(&tools.Tool{
		Name:        "add_event",
		Description: "Add an event to the user's calendar. Times are interpreted in the user's timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Event title",
				},
				"start": map[string]any{
					"type":        "string",
					"description": "Start time as RFC 3339 (e.g. 2026-09-01T15:00:00)",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "End time as RFC 3339 (default: start + 1 hour)",
				},
				"location": map[string]any{
					"type":        "string",
					"description": "Where the event takes place",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Longer notes for the event",
				},
			},
			"required": []string{"title", "start"},
		},
		RequiresApproval: true,
		Handler:          t.handleAdd,
	})
}

type calTools struct {
	svc Service
	loc *time.Location
}

func (t *calTools) handleList(ctx context.Context, args map[string]any) (*tools.Result, error) {
	limit := tools.ClampInt(tools.IntArg(args, "max_results", 10), 1, 25)

	from := time.Now().In(t.loc)
	if s := tools.StringArg(args, "start", ""); s != "" {
		parsed, err := parseWhen(s, t.loc)
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		from = parsed
	}

	to := from.Add(7 * 24 * time.Hour)
	if s := tools.StringArg(args, "end", ""); s != "" {
		parsed, err := parseWhen(s, t.loc)
		if err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
		to = parsed
	}
	if !to.After(from) {
		return nil, fmt.Errorf("end %s is not after start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	events, err := t.svc.ListEvents(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}

	listing := &resolve.Listing{Kind: resolve.KindEvent}
	if len(events) == 0 {
		return &tools.Result{
			Output: fmt.Sprintf("No events between %s and %s.",
				from.Format("Jan 2"), to.Format("Jan 2")),
			Listing: listing,
		}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s):\n", len(events))
	for i, ev := range events {
		fmt.Fprintf(&sb, "%d. %s — %s to %s", i+1, ev.Title,
			ev.Start.Format("Mon Jan 2 15:04"), ev.End.Format("15:04"))
		if ev.Location != "" {
			fmt.Fprintf(&sb, " at %s", ev.Location)
		}
		sb.WriteString("\n")
		listing.Items = append(listing.Items, resolve.Item{ID: ev.ID, Title: ev.Title})
	}

	return &tools.Result{Output: sb.String(), Listing: listing}, nil
}

func (t *calTools) handleAdd(ctx context.Context, args map[string]any) (*tools.Result, error) {
	title := tools.StringArg(args, "title", "")
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	startStr := tools.StringArg(args, "start", "")
	if startStr == "" {
		return nil, fmt.Errorf("start is required")
	}
	start, err := parseWhen(startStr, t.loc)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	end := start.Add(time.Hour)
	if s := tools.StringArg(args, "end", ""); s != "" {
		end, err = parseWhen(s, t.loc)
		if err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
	}

	created, err := t.svc.CreateEvent(ctx, Event{
		Title:       title,
		Start:       start,
		End:         end,
		Location:    tools.StringArg(args, "location", ""),
		Description: tools.StringArg(args, "description", ""),
	})
	if err != nil {
		return nil, err
	}

	return tools.Text(fmt.Sprintf("Added %q on %s from %s to %s.",
		created.Title,
		created.Start.Format("Monday, January 2"),
		created.Start.Format("15:04"),
		created.End.Format("15:04"),
	)), nil
}

// parseWhen parses the time formats planners produce. Timestamps
// without an offset are wall times in the user's zone. Timestamps
// marked UTC ("Z") are also reinterpreted as wall times: planners
// routinely emit the user's local clock reading with a Z suffix, and
// honoring the Z would shift the meeting by the zone offset.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)

	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		if t.Location() == time.UTC && strings.HasSuffix(s, "Z") {
			return time.Date(t.Year(), t.Month(), t.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, loc), nil
		}
		return t.In(loc), nil
	}

	return time.Time{}, fmt.Errorf("could not parse time %q", s)
}
