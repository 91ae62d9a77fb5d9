package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/models"
)

// ConfigurationError signals bad or missing host settings that the user can
// fix by entering explicit values.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Settings is the resolved protocol endpoint set for one mailbox.
type Settings struct {
	Label               string
	IMAPHost            string
	IMAPPort            int
	IMAPSecurity        string
	SMTPHost            string
	SMTPPort            int
	SMTPSecurity        string
	RequiresAppPassword bool
}

// builtinDefaults covers the common public providers so most users never
// have to type a hostname.
var builtinDefaults = map[string]Settings{
	"gmail.com": {
		Label:               "Gmail",
		IMAPHost:            "imap.gmail.com",
		IMAPPort:            993,
		IMAPSecurity:        "ssl",
		SMTPHost:            "smtp.gmail.com",
		SMTPPort:            465,
		SMTPSecurity:        "ssl",
		RequiresAppPassword: true,
	},
	"googlemail.com": {
		Label:               "Gmail",
		IMAPHost:            "imap.gmail.com",
		IMAPPort:            993,
		IMAPSecurity:        "ssl",
		SMTPHost:            "smtp.gmail.com",
		SMTPPort:            465,
		SMTPSecurity:        "ssl",
		RequiresAppPassword: true,
	},
	"outlook.com": {
		Label:        "Outlook",
		IMAPHost:     "outlook.office365.com",
		IMAPPort:     993,
		IMAPSecurity: "ssl",
		SMTPHost:     "smtp-mail.outlook.com",
		SMTPPort:     587,
		SMTPSecurity: "starttls",
	},
	"hotmail.com": {
		Label:        "Outlook",
		IMAPHost:     "outlook.office365.com",
		IMAPPort:     993,
		IMAPSecurity: "ssl",
		SMTPHost:     "smtp-mail.outlook.com",
		SMTPPort:     587,
		SMTPSecurity: "starttls",
	},
	"yahoo.com": {
		Label:               "Yahoo",
		IMAPHost:            "imap.mail.yahoo.com",
		IMAPPort:            993,
		IMAPSecurity:        "ssl",
		SMTPHost:            "smtp.mail.yahoo.com",
		SMTPPort:            465,
		SMTPSecurity:        "ssl",
		RequiresAppPassword: true,
	},
	"icloud.com": {
		Label:               "iCloud",
		IMAPHost:            "imap.mail.me.com",
		IMAPPort:            993,
		IMAPSecurity:        "ssl",
		SMTPHost:            "smtp.mail.me.com",
		SMTPPort:            587,
		SMTPSecurity:        "starttls",
		RequiresAppPassword: true,
	},
}

// Resolver resolves protocol settings for an email address: admin-managed
// provider defaults first, then built-ins, then the conventional
// imap.<domain>/smtp.<domain> guess.
type Resolver struct {
	pool *pgxpool.Pool
}

// NewResolver creates a Resolver backed by the provider_defaults table.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Resolve returns the settings for the given email address.
func (r *Resolver) Resolve(ctx context.Context, emailAddress string) (*Settings, error) {
	domain, err := DomainOf(emailAddress)
	if err != nil {
		return nil, err
	}

	if r.pool != nil {
		stored, err := db.GetProviderDefaults(ctx, r.pool, domain)
		if err == nil {
			return settingsFromDefaults(stored), nil
		}
		if !errors.Is(err, db.ErrProviderNotFound) {
			return nil, err
		}
	}

	if builtin, ok := builtinDefaults[domain]; ok {
		settings := builtin
		return &settings, nil
	}

	return FallbackSettings(domain), nil
}

// DomainOf extracts the lowercased domain of an email address.
func DomainOf(emailAddress string) (string, error) {
	at := strings.LastIndex(emailAddress, "@")
	if at <= 0 || at == len(emailAddress)-1 {
		return "", &ConfigurationError{Reason: fmt.Sprintf("invalid email address %q", emailAddress)}
	}

	return strings.ToLower(emailAddress[at+1:]), nil
}

// FallbackSettings returns the conventional endpoint guess for an unknown
// domain. Implicit TLS on both protocols; never plaintext.
func FallbackSettings(domain string) *Settings {
	return &Settings{
		Label:        domain,
		IMAPHost:     "imap." + domain,
		IMAPPort:     993,
		IMAPSecurity: "ssl",
		SMTPHost:     "smtp." + domain,
		SMTPPort:     465,
		SMTPSecurity: "ssl",
	}
}

func settingsFromDefaults(p *models.ProviderDefaults) *Settings {
	return &Settings{
		Label:               p.Label,
		IMAPHost:            p.IMAPHost,
		IMAPPort:            p.IMAPPort,
		IMAPSecurity:        p.IMAPSecurity,
		SMTPHost:            p.SMTPHost,
		SMTPPort:            p.SMTPPort,
		SMTPSecurity:        p.SMTPSecurity,
		RequiresAppPassword: p.RequiresAppPassword,
	}
}
