package email

import (
	"context"
	"fmt"
)

// MoveMessages moves messages to another folder. go-imap issues MOVE
// when the server supports it and falls back to
// COPY + STORE \Deleted + EXPUNGE otherwise.
func (c *Client) MoveMessages(ctx context.Context, opts MoveOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	if len(opts.UIDs) == 0 {
		return fmt.Errorf("no UIDs specified")
	}
	if opts.Destination == "" {
		return fmt.Errorf("destination folder is required")
	}

	if _, err := c.selectFolder(opts.Folder); err != nil {
		return err
	}

	if _, err := c.conn.Move(uidSetOf(opts.UIDs), opts.Destination).Wait(); err != nil {
		return fmt.Errorf("move to %s: %w", opts.Destination, err)
	}
	return nil
}
