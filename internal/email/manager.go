package email

import (
	"fmt"
	"log/slog"
)

// Manager routes email operations to the right account. The first
// configured account is the primary and handles requests that name no
// account.
type Manager struct {
	cfg     Config
	clients map[string]*Client
	accts   map[string]AccountConfig
	primary string
	logger  *slog.Logger
}

// NewManager builds one lazily-connecting Client per configured
// account. Nothing is dialed here.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		clients: make(map[string]*Client, len(cfg.Accounts)),
		accts:   make(map[string]AccountConfig, len(cfg.Accounts)),
		logger:  logger,
	}
	for i, acct := range cfg.Accounts {
		m.clients[acct.Name] = NewClient(acct.IMAP, logger.With("email_account", acct.Name))
		m.accts[acct.Name] = acct
		if i == 0 {
			m.primary = acct.Name
		}
	}
	return m
}

// Account returns the named client; empty name means the primary.
func (m *Manager) Account(name string) (*Client, error) {
	if name == "" {
		name = m.primary
	}
	client, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("email account %q not found", name)
	}
	return client, nil
}

// AccountConfig returns the named account's settings; empty name means
// the primary.
func (m *Manager) AccountConfig(name string) (AccountConfig, error) {
	if name == "" {
		name = m.primary
	}
	acct, ok := m.accts[name]
	if !ok {
		return AccountConfig{}, fmt.Errorf("email account %q not found", name)
	}
	return acct, nil
}

// BccOwner returns the audit BCC address, if configured.
func (m *Manager) BccOwner() string { return m.cfg.BccOwner }

// Primary returns the default account name.
func (m *Manager) Primary() string { return m.primary }

// AccountNames returns all account names in no particular order.
func (m *Manager) AccountNames() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// Close drops every account's connection.
func (m *Manager) Close() {
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("error closing email client", "account", name, "error", err)
		}
	}
}
