package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize bounds the text extracted from a single MIME part.
// Longer bodies are cut with a note.
const maxBodySize = 32 * 1024

// maxRawMessageSize bounds how much of the RFC822 literal is buffered.
// Messages beyond this (huge attachments) are truncated and the rest
// of the literal is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// ReadMessage fetches one message by UID and parses its MIME structure
// into text/plain and text/html bodies. Fetching without Peek marks
// the message \Seen.
func (c *Client) ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchCmd := c.conn.Fetch(uidSet, &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false}, // reading means read
		},
	})

	fetched := fetchCmd.Next()
	if fetched == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found in %s", uid, folder)
	}

	msg := &Message{}
	var raw []byte

	for {
		item := fetched.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			msg.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				msg.Flags = append(msg.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			msg.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			copyEnvelope(msg, data.Envelope)
		case imapclient.FetchItemDataBodySection:
			// The literal streams straight off the IMAP connection and
			// Next() advances past unread literals, so it has to be
			// consumed here, not after the loop.
			if data.Literal == nil {
				c.logger.Debug("nil body literal", "uid", uid)
				continue
			}
			var readErr error
			raw, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "uid", uid, "error", readErr)
				raw = nil
			}
		}
	}

	if raw != nil {
		if err := c.parseBody(msg, bytes.NewReader(raw)); err != nil {
			c.logger.Debug("body parse error", "uid", uid, "error", err)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch message UID %d: %w", uid, err)
	}

	return msg, nil
}

// copyEnvelope fills the message header fields from an IMAP envelope.
func copyEnvelope(msg *Message, env *imap.Envelope) {
	if env == nil {
		return
	}
	msg.Date = env.Date
	msg.Subject = env.Subject
	msg.MessageID = env.MessageID
	msg.InReplyTo = env.InReplyTo
	if len(env.From) > 0 {
		msg.From = formatAddress(env.From[0])
	}
	for _, addr := range env.To {
		msg.To = append(msg.To, formatAddress(addr))
	}
	for _, addr := range env.Cc {
		msg.Cc = append(msg.Cc, formatAddress(addr))
	}
	if len(env.ReplyTo) > 0 {
		msg.ReplyTo = formatAddress(env.ReplyTo[0])
	}
}

// parseBody walks the MIME structure, extracting the first text/plain
// and text/html parts plus the References header, which is not carried
// by the IMAP envelope.
//
// go-message's CreateReader and NextPart can return both a usable
// value AND an error when a part uses an unknown charset or transfer
// encoding. Those are non-fatal here: the content may be slightly
// garbled but is still worth showing.
func (c *Client) parseBody(msg *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		if err != nil {
			return fmt.Errorf("create mail reader returned nil: %w", err)
		}
		return fmt.Errorf("create mail reader returned nil")
	}
	if err != nil {
		c.logger.Debug("mail reader created with charset warning", "error", err)
	}

	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		if err != nil {
			c.logger.Debug("part has charset warning", "error", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// Attachment or unrecognized part
			continue
		}
		contentType, _, _ := inline.ContentType()

		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			if text, ok := c.readPart(part.Body); ok {
				msg.TextBody = text
			}
		case contentType == "text/html" && msg.HTMLBody == "":
			if text, ok := c.readPart(part.Body); ok {
				msg.HTMLBody = text
			}
		}
	}

	return nil
}

// readPart reads a MIME part body, truncating at maxBodySize.
func (c *Client) readPart(body io.Reader) (string, bool) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		c.logger.Debug("error reading message part", "error", err)
		return "", false
	}
	text := string(data)
	if len(data) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated, message exceeds 32KB]"
	}
	return strings.TrimSpace(text), true
}
