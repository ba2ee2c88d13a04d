// Package calendar provides CalDAV calendar access for the agent.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/pkeller/valet-agent/internal/httpkit"
)

// Event is a calendar entry.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Service is the calendar operations the tools need. Satisfied by
// *Client; tests substitute a fake.
type Service interface {
	ListEvents(ctx context.Context, from, to time.Time, limit int) ([]Event, error)
	CreateEvent(ctx context.Context, ev Event) (*Event, error)
}

// Client talks to a CalDAV calendar collection.
type Client struct {
	dav    *caldav.Client
	calURL string
	loc    *time.Location
	logger *slog.Logger
}

// NewClient creates a CalDAV client for the given collection URL with
// basic auth. Times read from the server are converted to loc.
func NewClient(url, username, password string, loc *time.Location, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}

	// DAV servers are often self-hosted on flaky home networks; retry
	// covers the brief dial failures a restart or Wi-Fi blip causes.
	base := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	)
	var hc webdav.HTTPClient = base
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(base, username, password)
	}

	dav, err := caldav.NewClient(hc, url)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	return &Client{
		dav:    dav,
		calURL: url,
		loc:    loc,
		logger: logger.With("component", "calendar"),
	}, nil
}

// ListEvents returns events overlapping [from, to), soonest first,
// capped at limit.
func (c *Client) ListEvents(ctx context.Context, from, to time.Time, limit int) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	objects, err := c.dav.QueryCalendar(ctx, c.calURL, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			parsed, err := c.parseEvent(ev)
			if err != nil {
				c.logger.Warn("skipping unparseable event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, parsed)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// CreateEvent writes a new VEVENT to the collection and returns it
// with its generated ID.
func (c *Client) CreateEvent(ctx context.Context, ev Event) (*Event, error) {
	if ev.Title == "" {
		return nil, fmt.Errorf("event title is required")
	}
	if ev.End.Before(ev.Start) || ev.End.Equal(ev.Start) {
		return nil, fmt.Errorf("event end %s is not after start %s", ev.End, ev.Start)
	}

	uid := uuid.NewString()
	ev.ID = uid

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Valet//Valet Agent//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End)
	vevent.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	cal.Children = append(cal.Children, vevent.Component)

	objPath := path.Join(c.calURL, uid+".ics")
	if _, err := c.dav.PutCalendarObject(ctx, objPath, cal); err != nil {
		return nil, fmt.Errorf("put calendar object: %w", err)
	}

	return &ev, nil
}

func (c *Client) parseEvent(ev ical.Event) (Event, error) {
	var out Event

	if prop := ev.Props.Get(ical.PropUID); prop != nil {
		out.ID = prop.Value
	}
	if prop := ev.Props.Get(ical.PropSummary); prop != nil {
		out.Title = prop.Value
	}
	if out.Title == "" {
		out.Title = "(untitled)"
	}

	start, err := ev.DateTimeStart(c.loc)
	if err != nil {
		return Event{}, fmt.Errorf("event start: %w", err)
	}
	out.Start = start.In(c.loc)

	end, err := ev.DateTimeEnd(c.loc)
	if err == nil && !end.IsZero() {
		out.End = end.In(c.loc)
	} else {
		out.End = out.Start.Add(time.Hour)
	}

	if prop := ev.Props.Get(ical.PropLocation); prop != nil {
		out.Location = prop.Value
	}
	if prop := ev.Props.Get(ical.PropDescription); prop != nil {
		out.Description = prop.Value
	}
	return out, nil
}
