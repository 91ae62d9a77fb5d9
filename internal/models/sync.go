package models

import "time"

// Sync statuses for a connected mailbox. Only the sync orchestrator
// moves a mailbox between these states.
const (
	SyncStatusUnconfigured = "unconfigured"
	SyncStatusConnecting   = "connecting"
	SyncStatusSyncing      = "syncing"
	SyncStatusConnected    = "connected"
	SyncStatusError        = "error"
)

// MailboxCredentials holds one user's mailbox connection settings plus the
// sync state that rides along with them. The password is stored encrypted
// and never leaves the db/crypto layers in plaintext except to open a
// protocol session.
type MailboxCredentials struct {
	UserID            string
	EmailAddress      string
	IMAPHost          string
	IMAPPort          int
	IMAPSecurity      string
	SMTPHost          string
	SMTPPort          int
	SMTPSecurity      string
	EncryptedPassword []byte

	SyncStatus    string
	LastSyncedAt  *time.Time
	LastSyncError *string
	// SyncCursor is the highest IMAP UID ingested so far, nil before the
	// first completed page.
	SyncCursor *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderDefaults is admin-managed reference data mapping an email domain
// to its protocol endpoints.
type ProviderDefaults struct {
	Domain              string `json:"domain"`
	Label               string `json:"label"`
	IMAPHost            string `json:"imap_host"`
	IMAPPort            int    `json:"imap_port"`
	IMAPSecurity        string `json:"imap_security"`
	SMTPHost            string `json:"smtp_host"`
	SMTPPort            int    `json:"smtp_port"`
	SMTPSecurity        string `json:"smtp_security"`
	RequiresAppPassword bool   `json:"requires_app_password"`
}
