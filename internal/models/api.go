package models

import "time"

// MailboxConfigRequest is the payload for saving or testing mailbox settings.
// An empty password on update preserves the stored one.
type MailboxConfigRequest struct {
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
	IMAPHost     string `json:"imap_host,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPSecurity string `json:"imap_security,omitempty"`
	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPSecurity string `json:"smtp_security,omitempty"`
}

// MailboxConfigResponse summarizes the mailbox configuration without ever
// echoing the credential back.
type MailboxConfigResponse struct {
	Configured    bool              `json:"configured"`
	EmailAddress  string            `json:"email_address,omitempty"`
	IMAPHost      string            `json:"imap_host,omitempty"`
	IMAPPort      int               `json:"imap_port,omitempty"`
	SMTPHost      string            `json:"smtp_host,omitempty"`
	SMTPPort      int               `json:"smtp_port,omitempty"`
	SyncStatus    string            `json:"sync_status"`
	LastSyncedAt  *time.Time        `json:"last_synced_at,omitempty"`
	LastSyncError *string           `json:"last_sync_error,omitempty"`
	Provider      *ProviderDefaults `json:"provider,omitempty"`
}

// ConversationListResponse is one page of conversation summaries.
type ConversationListResponse struct {
	Conversations []*Conversation `json:"conversations"`
	Total         int             `json:"total"`
	Page          int             `json:"page"`
	Limit         int             `json:"limit"`
}

// SendRequest is the payload for replying to or forwarding a conversation.
type SendRequest struct {
	Body           string   `json:"body"`
	To             []string `json:"to,omitempty"`
	CC             []string `json:"cc,omitempty"`
	LinkedEntityID *string  `json:"linked_entity_id,omitempty"`

	Attachments []SendAttachment `json:"attachments,omitempty"`
}

// SendAttachment carries one outbound attachment, base64-decoded by the
// handler before it reaches the composer.
type SendAttachment struct {
	FileName      string `json:"file_name"`
	ContentType   string `json:"content_type"`
	ContentBase64 string `json:"content_base64"`
}
