package email

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
)

// ListFolders returns every mailbox with its message and unseen
// counts, sorted by name. Counts stay zero for mailboxes whose STATUS
// fails or that are not selectable.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	mailboxes, err := c.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	var folders []Folder
	for _, mbox := range mailboxes {
		f := Folder{Name: mbox.Mailbox}

		selectable := true
		for _, attr := range mbox.Attrs {
			f.Attributes = append(f.Attributes, string(attr))
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
			}
		}

		if selectable {
			status, err := c.conn.Status(mbox.Mailbox, &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			}).Wait()
			switch {
			case err != nil:
				c.logger.Debug("status failed for mailbox", "mailbox", mbox.Mailbox, "error", err)
			default:
				if status.NumMessages != nil {
					f.Messages = *status.NumMessages
				}
				if status.NumUnseen != nil {
					f.Unseen = *status.NumUnseen
				}
			}
		}

		folders = append(folders, f)
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}
