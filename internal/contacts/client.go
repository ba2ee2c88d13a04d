// Package contacts provides CardDAV address book lookups for the agent.
// Its main job is resolving a spoken name ("send it to Sam") to an
// email address before a message is composed.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/pkeller/valet-agent/internal/httpkit"
)

// Contact is a directory entry with at least one email address.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Directory is the lookup surface the tools and the email sender need.
// Satisfied by *Client; tests substitute a fake.
type Directory interface {
	Find(ctx context.Context, name string) ([]Contact, error)
	LookupEmail(ctx context.Context, name string) (string, error)
}

// Client talks to a CardDAV address book collection.
type Client struct {
	dav    *carddav.Client
	abURL  string
	logger *slog.Logger
}

// NewClient creates a CardDAV client for the given address book URL
// with basic auth.
func NewClient(url, username, password string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Same retry posture as the calendar client; address books tend to
	// live on the same self-hosted DAV server.
	base := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	)
	var hc webdav.HTTPClient = base
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(base, username, password)
	}

	dav, err := carddav.NewClient(hc, url)
	if err != nil {
		return nil, fmt.Errorf("carddav client: %w", err)
	}

	return &Client{
		dav:    dav,
		abURL:  url,
		logger: logger.With("component", "contacts"),
	}, nil
}

// Find returns contacts whose formatted name contains name, sorted by
// name. Entries without an email address are dropped because every
// caller is resolving a recipient.
func (c *Client) Find(ctx context.Context, name string) ([]Contact, error) {
	query := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{vcard.FieldFormattedName, vcard.FieldEmail},
		},
		PropFilters: []carddav.PropFilter{{
			Name: vcard.FieldFormattedName,
			TextMatches: []carddav.TextMatch{{
				Text:      name,
				MatchType: carddav.MatchContains,
			}},
		}},
	}

	objs, err := c.dav.QueryAddressBook(ctx, c.abURL, query)
	if err != nil {
		return nil, fmt.Errorf("query address book: %w", err)
	}

	contacts := make([]Contact, 0, len(objs))
	for _, obj := range objs {
		ct := cardToContact(obj.Card)
		if ct.Email == "" {
			continue
		}
		contacts = append(contacts, ct)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Name < contacts[j].Name })

	c.logger.Debug("Address book query", "name", name, "matches", len(contacts))
	return contacts, nil
}

// LookupEmail resolves a name to a single email address. An exact
// formatted-name match wins over partial matches; anything else
// ambiguous is an error that names the candidates.
func (c *Client) LookupEmail(ctx context.Context, name string) (string, error) {
	matches, err := c.Find(ctx, name)
	if err != nil {
		return "", err
	}
	return pickAddress(name, matches)
}

// pickAddress applies the exact-before-partial rule to a match set.
func pickAddress(name string, matches []Contact) (string, error) {
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no contact found for %q", name)
	case 1:
		return matches[0].Email, nil
	}

	for _, m := range matches {
		if strings.EqualFold(m.Name, name) {
			return m.Email, nil
		}
	}

	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	return "", fmt.Errorf("multiple contacts match %q: %s", name, strings.Join(names, ", "))
}

// cardToContact extracts the fields we use from a vCard.
func cardToContact(card vcard.Card) Contact {
	return Contact{
		Name:  card.PreferredValue(vcard.FieldFormattedName),
		Email: card.PreferredValue(vcard.FieldEmail),
	}
}
