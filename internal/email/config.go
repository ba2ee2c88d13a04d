package email

import "fmt"

// Config is the "email" section of the top-level configuration.
type Config struct {
	// BccOwner receives a blind copy of every outbound message unless
	// the owner is already a recipient. Gives the owner an audit trail
	// of what the agent sent on their behalf.
	BccOwner string `yaml:"bcc_owner"`

	Accounts []AccountConfig `yaml:"accounts"`
}

// Configured reports whether at least one account has enough IMAP
// settings to connect.
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-value fields. IMAP defaults to 993 with TLS;
// port 143 is taken as an explicit request for plaintext. SMTP defaults
// to 587 with STARTTLS; port 465 implies implicit TLS instead.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		if c.Accounts[i].IMAP.Port == 0 {
			c.Accounts[i].IMAP.Port = 993
		}
		if !c.Accounts[i].IMAP.TLS && c.Accounts[i].IMAP.Port != 143 {
			c.Accounts[i].IMAP.TLS = true
		}

		if c.Accounts[i].SMTP.Host != "" {
			if c.Accounts[i].SMTP.Port == 0 {
				c.Accounts[i].SMTP.Port = 587
			}
			if !c.Accounts[i].SMTP.StartTLS && c.Accounts[i].SMTP.Port != 465 {
				c.Accounts[i].SMTP.StartTLS = true
			}
		}
	}
}

// Validate returns an error describing the first inconsistency found.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("email.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}

		if a.SMTP.Host != "" {
			if a.SMTP.Username == "" {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.username is required when smtp.host is set", i, a.Name)
			}
			if a.SMTP.Password == "" {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.password is required when smtp.host is set", i, a.Name)
			}
			if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.port %d out of range (1-65535)", i, a.Name, a.SMTP.Port)
			}
			if a.DefaultFrom == "" {
				return fmt.Errorf("email.accounts[%d] (%s): default_from is required when smtp is configured", i, a.Name)
			}
		}
	}
	return nil
}

// AccountConfig is one mailbox: IMAP for reading, optional SMTP for
// sending.
type AccountConfig struct {
	// Name identifies the account in tool parameters and logs
	// (e.g. "personal", "work").
	Name string `yaml:"name"`

	IMAP IMAPConfig `yaml:"imap"`

	// SMTP is optional; omit it to make the account read-only.
	SMTP SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the From header for outbound mail, e.g.
	// "Pat Keller <pat@example.com>". Required when SMTP is set.
	DefaultFrom string `yaml:"default_from"`

	// SentFolder, when set, names the IMAP folder that receives a copy
	// of each sent message via APPEND (e.g. "[Gmail]/Sent Mail").
	// Empty means no copy is filed.
	SentFolder string `yaml:"sent_folder"`
}

// SMTPConfigured reports whether this account can send.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// IMAPConfig holds IMAP connection parameters. Password values go
// through environment expansion in the config loader, so
// "${IMAP_PASSWORD}" works.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 993
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"` // default true; false only makes sense on port 143
}

// SMTPConfig holds submission parameters for outbound mail.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"` // default true; false for implicit TLS on 465
}
