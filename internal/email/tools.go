package email

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkeller/valet-agent/internal/resolve"
	"github.com/pkeller/valet-agent/internal/tools"
)

// AddressLookup resolves a person's name to an email address, backed
// by the configured address book. Implementations return an error
// when no unique match exists.
type AddressLookup interface {
	LookupEmail(ctx context.Context, name string) (string, error)
}

// RegisterTools adds the email tools to the registry. Sending email
// mutates the outside world, so send_email requires approval. lookup
// may be nil when no address book is configured; bare names in the
// "to" field then fail with a clear error.
func RegisterTools(r *tools.Registry, mgr *Manager, lookup AddressLookup) error {
	t := &emailTools{manager: mgr, lookup: lookup}

	if err := r.Register(&tools.Tool{
		Name:        "get_emails",
		Description: "List recent emails from the inbox. Returns sender, subject, and date for each message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return (1-25, default 10)",
				},
				"unseen": map[string]any{
					"type":        "boolean",
					"description": "Only show unread messages (default false)",
				},
				"account": map[string]any{
					"type":        "string",
					"description": "Email account name (default: primary account)",
				},
			},
		},
		Handler: t.handleList,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "read_email",
		Description: "Read the full content of an email from the last get_emails listing. Refer to it by position ('the second one') or by subject.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email": map[string]any{
					"type":        "string",
					"description": "Which email to read, as the user referred to it",
				},
			},
			"required": []string{"email"},
		},
		Handler: t.handleRead,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "search_emails",
		Description: "Search the mailbox by text, sender, or date range. Returns sender, subject, and date for each match.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free-text search over message content",
				},
				"from": map[string]any{
					"type":        "string",
					"description": "Filter by sender address or name",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Only messages on or after this date (YYYY-MM-DD)",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of matches to return (1-25, default 10)",
				},
				"account": map[string]any{
					"type":        "string",
					"description": "Email account name (default: primary account)",
				},
			},
		},
		Handler: t.handleSearch,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "list_folders",
		Description: "List the mailbox folders with message and unread counts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"account": map[string]any{
					"type":        "string",
					"description": "Email account name (default: primary account)",
				},
			},
		},
		Handler: t.handleFolders,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "mark_email",
		Description: "Mark an email from the last listing as seen, flagged, or answered.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email": map[string]any{
					"type":        "string",
					"description": "Which email to mark, as the user referred to it",
				},
				"flag": map[string]any{
					"type":        "string",
					"description": "Flag to set: seen, flagged, or answered",
				},
				"unset": map[string]any{
					"type":        "boolean",
					"description": "Remove the flag instead of adding it (default false)",
				},
			},
			"required": []string{"email", "flag"},
		},
		RequiresApproval: true,
		Handler:          t.handleMark,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "archive_email",
		Description: "Move an email from the last listing out of the inbox into another folder.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email": map[string]any{
					"type":        "string",
					"description": "Which email to move, as the user referred to it",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Destination folder (default: Archive)",
				},
			},
			"required": []string{"email"},
		},
		RequiresApproval: true,
		Handler:          t.handleArchive,
	}); err != nil {
		return err
	}

	if err := r.Register(&tools.Tool{
		Name:        "reply_email",
		Description: "Reply to an email from the last listing. The reply is threaded under the original message. The body is markdown.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email": map[string]any{
					"type":        "string",
					"description": "Which email to reply to, as the user referred to it",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Reply body in markdown",
				},
				"reply_all": map[string]any{
					"type":        "boolean",
					"description": "Reply to all original recipients, not just the sender (default false)",
				},
			},
			"required": []string{"email", "body"},
		},
		RequiresApproval: true,
		Handler:          t.handleReply,
	}); err != nil {
		return err
	}

	return r.Register(&tools.Tool{
		Name:        "send_email",
		Description: "Send an email. The recipient can be an address or a contact name. The body is markdown.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Recipient email address or contact name",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject line",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Message body in markdown",
				},
				"account": map[string]any{
					"type":        "string",
					"description": "Email account to send from (default: primary account)",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		RequiresApproval: true,
		Handler:          t.handleSend,
	})
}

type emailTools struct {
	manager *Manager
	lookup  AddressLookup
}

func (t *emailTools) handleList(ctx context.Context, args map[string]any) (*tools.Result, error) {
	account := tools.StringArg(args, "account", "")
	opts := ListOptions{
		Limit:   tools.ClampInt(tools.IntArg(args, "max_results", 10), 1, 25),
		Unseen:  tools.BoolArg(args, "unseen", false),
		Account: account,
	}

	client, err := t.manager.Account(account)
	if err != nil {
		return nil, err
	}

	envelopes, err := client.ListMessages(ctx, opts)
	if err != nil {
		return nil, err
	}

	if account == "" {
		account = t.manager.Primary()
	}

	listing := &resolve.Listing{Kind: resolve.KindEmail}
	if len(envelopes) == 0 {
		return &tools.Result{Output: "No messages in INBOX.", Listing: listing}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d message(s):\n", len(envelopes))
	for i, env := range envelopes {
		subject := env.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(&sb, "%d. %s — from %s, %s\n",
			i+1, subject, env.From, env.Date.Format("2006-01-02 15:04"))
		listing.Items = append(listing.Items, resolve.Item{
			ID:    messageRef(account, "INBOX", env.UID),
			Title: subject,
		})
	}

	return &tools.Result{Output: sb.String(), Listing: listing}, nil
}

func (t *emailTools) handleRead(ctx context.Context, args map[string]any) (*tools.Result, error) {
	account, folder, uid, err := t.resolveOne(ctx, tools.StringArg(args, "email", ""))
	if err != nil {
		return nil, err
	}

	client, err := t.manager.Account(account)
	if err != nil {
		return nil, err
	}

	msg, err := client.ReadMessage(ctx, folder, uid)
	if err != nil {
		return nil, err
	}

	return tools.Text(formatMessage(msg)), nil
}

func (t *emailTools) handleSearch(ctx context.Context, args map[string]any) (*tools.Result, error) {
	account := tools.StringArg(args, "account", "")
	opts := SearchOptions{
		Query:   tools.StringArg(args, "query", ""),
		From:    tools.StringArg(args, "from", ""),
		Limit:   tools.ClampInt(tools.IntArg(args, "max_results", 10), 1, 25),
		Account: account,
	}
	if opts.Query == "" && opts.From == "" {
		return nil, fmt.Errorf("query or from is required")
	}
	if since := tools.StringArg(args, "since", ""); since != "" {
		d, err := time.Parse("2006-01-02", since)
		if err != nil {
			return nil, fmt.Errorf("since must be YYYY-MM-DD: %w", err)
		}
		opts.Since = d
	}

	client, err := t.manager.Account(account)
	if err != nil {
		return nil, err
	}

	envelopes, err := client.SearchMessages(ctx, opts)
	if err != nil {
		return nil, err
	}

	if account == "" {
		account = t.manager.Primary()
	}

	listing := &resolve.Listing{Kind: resolve.KindEmail}
	if len(envelopes) == 0 {
		return &tools.Result{Output: "No matching messages.", Listing: listing}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d match(es):\n", len(envelopes))
	for i, env := range envelopes {
		subject := env.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(&sb, "%d. %s — from %s, %s\n",
			i+1, subject, env.From, env.Date.Format("2006-01-02 15:04"))
		listing.Items = append(listing.Items, resolve.Item{
			ID:    messageRef(account, "INBOX", env.UID),
			Title: subject,
		})
	}

	return &tools.Result{Output: sb.String(), Listing: listing}, nil
}

func (t *emailTools) handleFolders(ctx context.Context, args map[string]any) (*tools.Result, error) {
	client, err := t.manager.Account(tools.StringArg(args, "account", ""))
	if err != nil {
		return nil, err
	}

	folders, err := client.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return tools.Text("No folders found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d folder(s):\n", len(folders))
	for _, f := range folders {
		fmt.Fprintf(&sb, "- %s (%d messages, %d unread)\n", f.Name, f.Messages, f.Unseen)
	}
	return tools.Text(sb.String()), nil
}

func (t *emailTools) handleMark(ctx context.Context, args map[string]any) (*tools.Result, error) {
	account, folder, uid, err := t.resolveOne(ctx, tools.StringArg(args, "email", ""))
	if err != nil {
		return nil, err
	}

	flag := tools.StringArg(args, "flag", "")
	if _, ok := ValidFlag(flag); !ok {
		return nil, fmt.Errorf("invalid flag %q (valid: seen, flagged, answered)", flag)
	}
	unset := tools.BoolArg(args, "unset", false)

	client, err := t.manager.Account(account)
	if err != nil {
		return nil, err
	}

	action := MarkAction{UIDs: []uint32{uid}, Folder: folder, Flag: flag, Add: !unset}
	if err := client.MarkMessages(ctx, action); err != nil {
		return nil, err
	}

	verb := "Marked"
	if unset {
		verb = "Unmarked"
	}
	return tools.Text(fmt.Sprintf("%s message as %s.", verb, flag)), nil
}

func (t *emailTools) handleArchive(ctx context.Context, args map[string]any) (*tools.Result, error) {
	account, folder, uid, err := t.resolveOne(ctx, tools.StringArg(args, "email", ""))
	if err != nil {
		return nil, err
	}

	dest := tools.StringArg(args, "folder", "Archive")

	client, err := t.manager.Account(account)
	if err != nil {
		return nil, err
	}

	opts := MoveOptions{UIDs: []uint32{uid}, Folder: folder, Destination: dest}
	if err := client.MoveMessages(ctx, opts); err != nil {
		return nil, err
	}

	return tools.Text(fmt.Sprintf("Moved message to %s.", dest)), nil
}

// resolveOne maps a user reference like "the second one" against the
// current email listing and decodes the single matching message ref.
func (t *emailTools) resolveOne(ctx context.Context, ref string) (account, folder string, uid uint32, err error) {
	if ref == "" {
		return "", "", 0, fmt.Errorf("email is required")
	}

	listing := tools.ListingFromContext(ctx)
	if listing != nil && listing.Kind != resolve.KindEmail {
		listing = nil
	}

	ids, err := resolve.ResolveText(listing, ref)
	if err != nil {
		return "", "", 0, err
	}
	if len(ids) != 1 {
		return "", "", 0, fmt.Errorf("need exactly one message, %q matched %d", ref, len(ids))
	}

	return parseMessageRef(ids[0])
}

func (t *emailTools) handleSend(ctx context.Context, args map[string]any) (*tools.Result, error) {
	to := tools.StringArg(args, "to", "")
	subject := tools.StringArg(args, "subject", "")
	body := tools.StringArg(args, "body", "")
	account := tools.StringArg(args, "account", "")

	if to == "" || subject == "" || body == "" {
		return nil, fmt.Errorf("to, subject, and body are required")
	}

	addr, err := t.resolveRecipient(ctx, to)
	if err != nil {
		return nil, err
	}

	acct, err := t.manager.AccountConfig(account)
	if err != nil {
		return nil, err
	}
	if !acct.SMTPConfigured() {
		return nil, fmt.Errorf("account %q cannot send email (no SMTP configured)", acct.Name)
	}

	opts := ComposeOptions{
		From:    acct.DefaultFrom,
		To:      []string{addr},
		Subject: subject,
		Body:    body,
	}
	if owner := t.manager.BccOwner(); owner != "" && !strings.EqualFold(extractAddress(addr), extractAddress(owner)) {
		opts.Bcc = []string{owner}
	}

	raw, err := ComposeMessage(opts)
	if err != nil {
		return nil, err
	}

	recipients := collectRecipients(opts.To, opts.Cc, opts.Bcc)
	if err := SendMail(ctx, acct.SMTP, extractAddress(acct.DefaultFrom), recipients, raw); err != nil {
		return nil, err
	}
	t.fileSentCopy(ctx, acct, raw)

	return tools.Text(fmt.Sprintf("Email sent to %s: %q", addr, subject)), nil
}

func (t *emailTools) handleReply(ctx context.Context, args map[string]any) (*tools.Result, error) {
	account, folder, uid, err := t.resolveOne(ctx, tools.StringArg(args, "email", ""))
	if err != nil {
		return nil, err
	}

	body := tools.StringArg(args, "body", "")
	if body == "" {
		return nil, fmt.Errorf("body is required")
	}
	replyAll := tools.BoolArg(args, "reply_all", false)

	acct, err := t.manager.AccountConfig(account)
	if err != nil {
		return nil, err
	}
	if !acct.SMTPConfigured() {
		return nil, fmt.Errorf("account %q cannot send email (no SMTP configured)", acct.Name)
	}

	client, err := t.manager.Account(account)
	if err != nil {
		return nil, err
	}
	orig, err := client.ReadMessage(ctx, folder, uid)
	if err != nil {
		return nil, fmt.Errorf("fetch original message: %w", err)
	}

	opts := buildReply(orig, acct, body, replyAll)
	if owner := t.manager.BccOwner(); owner != "" && !containsAddress(append(opts.To, opts.Cc...), owner) {
		opts.Bcc = []string{owner}
	}

	raw, err := ComposeMessage(opts)
	if err != nil {
		return nil, err
	}

	recipients := collectRecipients(opts.To, opts.Cc, opts.Bcc)
	if err := SendMail(ctx, acct.SMTP, extractAddress(acct.DefaultFrom), recipients, raw); err != nil {
		return nil, err
	}
	t.fileSentCopy(ctx, acct, raw)

	return tools.Text(fmt.Sprintf("Reply sent to %s: %q", strings.Join(opts.To, ", "), opts.Subject)), nil
}

// buildReply derives the recipient set, threading headers, and subject
// for a reply to orig. With replyAll the original To and Cc lists are
// carried over, minus the account's own address.
func buildReply(orig *Message, acct AccountConfig, body string, replyAll bool) ComposeOptions {
	replyAddr := orig.ReplyTo
	if replyAddr == "" {
		replyAddr = orig.From
	}

	opts := ComposeOptions{
		From:      acct.DefaultFrom,
		To:        []string{replyAddr},
		Subject:   replySubject(orig.Subject),
		Body:      body,
		InReplyTo: orig.MessageID,
		References: append(append([]string{}, orig.References...),
			orig.MessageID),
	}
	if orig.MessageID == "" {
		opts.InReplyTo = ""
		opts.References = nil
	}

	if replyAll {
		self := extractAddress(acct.DefaultFrom)
		for _, addr := range append(append([]string{}, orig.To...), orig.Cc...) {
			bare := extractAddress(addr)
			if strings.EqualFold(bare, self) || containsAddress(opts.To, addr) || containsAddress(opts.Cc, addr) {
				continue
			}
			opts.Cc = append(opts.Cc, addr)
		}
	}
	return opts
}

// replySubject prefixes "Re: " unless the subject already carries one.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// containsAddress reports whether list contains addr, comparing bare
// addresses case-insensitively.
func containsAddress(list []string, addr string) bool {
	bare := extractAddress(addr)
	for _, a := range list {
		if strings.EqualFold(extractAddress(a), bare) {
			return true
		}
	}
	return false
}

// fileSentCopy appends the raw message to the account's sent folder,
// when one is configured. Delivery already succeeded at this point, so
// a filing failure is only logged.
func (t *emailTools) fileSentCopy(ctx context.Context, acct AccountConfig, raw []byte) {
	if acct.SentFolder == "" {
		return
	}
	client, err := t.manager.Account(acct.Name)
	if err != nil {
		return
	}
	if err := client.AppendMessage(ctx, acct.SentFolder, raw); err != nil {
		t.manager.logger.Warn("could not file sent copy",
			"account", acct.Name, "folder", acct.SentFolder, "error", err)
	}
}

// resolveRecipient accepts a literal address as-is and looks bare
// names up in the address book.
func (t *emailTools) resolveRecipient(ctx context.Context, to string) (string, error) {
	if strings.Contains(to, "@") {
		return to, nil
	}
	if t.lookup == nil {
		return "", fmt.Errorf("%q is not an email address and no address book is configured", to)
	}
	addr, err := t.lookup.LookupEmail(ctx, to)
	if err != nil {
		return "", fmt.Errorf("resolve recipient %q: %w", to, err)
	}
	return addr, nil
}

// messageRef encodes an account, folder, and UID into a listing ID so
// read_email can locate the message after resolution.
func messageRef(account, folder string, uid uint32) string {
	return fmt.Sprintf("%s|%s|%d", account, folder, uid)
}

func parseMessageRef(ref string) (account, folder string, uid uint32, err error) {
	parts := strings.SplitN(ref, "|", 3)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed message reference %q", ref)
	}
	n, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed message reference %q: %w", ref, err)
	}
	return parts[0], parts[1], uint32(n), nil
}

func formatMessage(msg *Message) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	sb.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))
	sb.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	sb.WriteString(fmt.Sprintf("Date: %s\n", msg.Date.Format("2006-01-02 15:04 MST")))
	sb.WriteString("\n---\n\n")

	if msg.TextBody != "" {
		sb.WriteString(msg.TextBody)
	} else if msg.HTMLBody != "" {
		sb.WriteString("[HTML content — no plain text version available]\n\n")
		sb.WriteString(msg.HTMLBody)
	} else {
		sb.WriteString("[No text content available]")
	}

	return sb.String()
}
