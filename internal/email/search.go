package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// SearchMessages runs a server-side UID SEARCH in the folder and
// returns envelopes for the newest opts.Limit matches.
func (c *Client) SearchMessages(ctx context.Context, opts SearchOptions) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{}
	if opts.Query != "" {
		criteria.Text = []string{opts.Query}
	}
	if opts.From != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{{Key: "From", Value: opts.From}}
	}
	criteria.Since = opts.Since
	criteria.Before = opts.Before

	data, err := c.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	// UIDs come back in mailbox order; the tail holds the newest.
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	return c.fetchEnvelopes(uidSet)
}
