// Package email gives Valet direct IMAP and SMTP access to the owner's
// mailboxes: multiple accounts, folder navigation, search, flag
// management, and markdown-to-MIME composition for outbound mail.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// drainLiteral discards an unread IMAP literal so the protocol stream
// does not stall. Safe to call with nil.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is summary metadata for one message, enough for list views
// and search results without fetching the body.
type Envelope struct {
	UID     uint32 // IMAP UID within the folder
	Date    time.Time
	From    string // "Name <addr>" or bare address
	To      []string
	Subject string
	Flags   []string // IMAP flags, e.g. \Seen
	Size    uint32   // bytes
}

// Message is a fully fetched email with bodies extracted from the MIME
// structure. TextBody is what handlers hand to the planner; HTMLBody is
// kept for reference only.
type Message struct {
	Envelope

	MessageID  string // Message-ID header, angle brackets stripped
	InReplyTo  []string
	References []string // full threading chain
	Cc         []string
	ReplyTo    string // set only when it differs from From
	TextBody   string
	HTMLBody   string
}

// Folder is an IMAP mailbox with its status counters.
type Folder struct {
	Name       string
	Attributes []string // e.g. \Noselect, \Trash
	Messages   uint32
	Unseen     uint32
}

// ListOptions controls message listing. Zero values mean INBOX, a
// limit of 20, and the primary account.
type ListOptions struct {
	Folder  string
	Limit   int
	Unseen  bool // only messages without \Seen
	Account string
}

// SearchOptions controls server-side message search. At least one of
// Query and From must be set; the rest narrow the match.
type SearchOptions struct {
	Folder  string
	Query   string // free-text match against message content
	From    string // sender address or name
	Since   time.Time
	Before  time.Time
	Limit   int
	Account string
}

// MarkAction adds or removes one flag on a set of messages.
type MarkAction struct {
	UIDs    []uint32
	Folder  string
	Flag    string // "seen", "flagged", or "answered"
	Add     bool   // false removes the flag
	Account string
}

var validFlags = map[string]string{
	"seen":     `\Seen`,
	"flagged":  `\Flagged`,
	"answered": `\Answered`,
}

// ValidFlag maps a user-facing flag name to its IMAP form.
func ValidFlag(name string) (string, bool) {
	f, ok := validFlags[name]
	return f, ok
}

// SendOptions describes an outbound message. Body is markdown; the
// compose layer renders both text/plain and text/html parts from it.
type SendOptions struct {
	To      []string // required
	Cc      []string
	Subject string // required
	Body    string // required, markdown
	Account string
}

// MoveOptions describes a UID move between folders.
type MoveOptions struct {
	UIDs        []uint32 // required
	Folder      string   // source, default INBOX
	Destination string   // required
	Account     string
}
