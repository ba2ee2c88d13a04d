package calendar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkeller/valet-agent/internal/resolve"
	"github.com/pkeller/valet-agent/internal/tools"
)

type fakeService struct {
	events  []Event
	created []Event

	gotFrom, gotTo time.Time
	gotLimit       int
}

func (f *fakeService) ListEvents(ctx context.Context, from, to time.Time, limit int) ([]Event, error) {
	f.gotFrom, f.gotTo, f.gotLimit = from, to, limit
	return f.events, nil
}

func (f *fakeService) CreateEvent(ctx context.Context, ev Event) (*Event, error) {
	ev.ID = "ev-new"
	f.created = append(f.created, ev)
	return &ev, nil
}

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func setupTestTools(t *testing.T, svc Service, loc *time.Location) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	if err := RegisterTools(reg, svc, loc); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	return reg
}

func TestGetEvents_DefaultWindow(t *testing.T) {
	fake := &fakeService{}
	reg := setupTestTools(t, fake, time.UTC)

	if _, err := reg.Execute(context.Background(), "list_events", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	window := fake.gotTo.Sub(fake.gotFrom)
	if window != 7*24*time.Hour {
		t.Errorf("window = %v, want 168h", window)
	}
	if fake.gotLimit != 10 {
		t.Errorf("limit = %d, want 10", fake.gotLimit)
	}
}

func TestGetEvents_MaxResultsClamped(t *testing.T) {
	fake := &fakeService{}
	reg := setupTestTools(t, fake, time.UTC)

	reg.Execute(context.Background(), "list_events", map[string]any{"max_results": float64(500)})
	if fake.gotLimit != 25 {
		t.Errorf("limit = %d, want clamp to 25", fake.gotLimit)
	}

	reg.Execute(context.Background(), "list_events", map[string]any{"max_results": float64(-3)})
	if fake.gotLimit != 1 {
		t.Errorf("limit = %d, want clamp to 1", fake.gotLimit)
	}
}

func TestGetEvents_ProducesListing(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeService{events: []Event{
		{ID: "e1", Title: "Team Sync", Start: start, End: start.Add(time.Hour)},
		{ID: "e2", Title: "1:1 with Sam", Start: start.Add(2 * time.Hour), End: start.Add(3 * time.Hour)},
	}}
	reg := setupTestTools(t, fake, time.UTC)

	res, err := reg.Execute(context.Background(), "list_events", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Listing == nil || res.Listing.Kind != resolve.KindEvent {
		t.Fatalf("listing = %+v", res.Listing)
	}
	if len(res.Listing.Items) != 2 || res.Listing.Items[1].ID != "e2" {
		t.Errorf("items = %+v", res.Listing.Items)
	}
	if !strings.Contains(res.Output, "Team Sync") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestAddEvent_RequiresApproval(t *testing.T) {
	reg := setupTestTools(t, &fakeService{}, time.UTC)
	if !reg.RequiresApproval("add_event") {
		t.Error("add_event should require approval")
	}
	if reg.RequiresApproval("list_events") {
		t.Error("list_events should not require approval")
	}
}

func TestAddEvent_DefaultsToOneHour(t *testing.T) {
	fake := &fakeService{}
	reg := setupTestTools(t, fake, time.UTC)

	_, err := reg.Execute(context.Background(), "add_event", map[string]any{
		"title": "Dentist",
		"start": "2026-09-01T15:00:00",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(fake.created) != 1 {
		t.Fatalf("created = %d", len(fake.created))
	}
	ev := fake.created[0]
	if ev.End.Sub(ev.Start) != time.Hour {
		t.Errorf("duration = %v, want 1h", ev.End.Sub(ev.Start))
	}
}

func TestParseWhen_UTCMarkedWallTime(t *testing.T) {
	loc := chicago(t)

	// A planner that means "3pm on the user's clock" but emits a Z
	// suffix must still land at 3pm local, not 3pm UTC.
	got, err := parseWhen("2026-09-01T15:00:00Z", loc)
	if err != nil {
		t.Fatalf("parseWhen: %v", err)
	}
	want := time.Date(2026, 9, 1, 15, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseWhen_ExplicitOffsetHonored(t *testing.T) {
	loc := chicago(t)

	got, err := parseWhen("2026-09-01T15:00:00-04:00", loc)
	if err != nil {
		t.Fatalf("parseWhen: %v", err)
	}
	// -04:00 is a real offset the planner chose; it is preserved.
	want := time.Date(2026, 9, 1, 14, 0, 0, 0, loc) // 15:00 EDT = 14:00 CDT
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseWhen_BareWallTime(t *testing.T) {
	loc := chicago(t)

	got, err := parseWhen("2026-09-01T15:00", loc)
	if err != nil {
		t.Fatalf("parseWhen: %v", err)
	}
	if got.Location() != loc || got.Hour() != 15 {
		t.Errorf("got %v", got)
	}
}

func TestParseWhen_DateOnly(t *testing.T) {
	got, err := parseWhen("2026-09-01", time.UTC)
	if err != nil {
		t.Fatalf("parseWhen: %v", err)
	}
	if got.Hour() != 0 || got.Day() != 1 {
		t.Errorf("got %v", got)
	}
}

func TestParseWhen_Garbage(t *testing.T) {
	if _, err := parseWhen("next tuesday-ish", time.UTC); err == nil {
		t.Error("expected parse error")
	}
}
