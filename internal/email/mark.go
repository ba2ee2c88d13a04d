package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// MarkMessages adds or removes one flag on the given messages.
func (c *Client) MarkMessages(ctx context.Context, action MarkAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	if len(action.UIDs) == 0 {
		return fmt.Errorf("no UIDs specified")
	}
	imapFlag, ok := ValidFlag(action.Flag)
	if !ok {
		return fmt.Errorf("invalid flag %q (valid: seen, flagged, answered)", action.Flag)
	}

	if _, err := c.selectFolder(action.Folder); err != nil {
		return err
	}

	op := imap.StoreFlagsAdd
	if !action.Add {
		op = imap.StoreFlagsDel
	}
	cmd := c.conn.Store(uidSetOf(action.UIDs), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.Flag(imapFlag)},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store flags: %w", err)
	}
	return nil
}

// uidSetOf builds an IMAP UID set from raw UIDs.
func uidSetOf(uids []uint32) imap.UIDSet {
	set := imap.UIDSet{}
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	return set
}
