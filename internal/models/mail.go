package models

import "time"

// Message direction values.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Participant roles.
const (
	RoleFrom = "from"
	RoleTo   = "to"
	RoleCC   = "cc"
	RoleBCC  = "bcc"
)

// Participant is one address involved in a conversation.
// Participants are deduplicated by email, case-insensitively.
type Participant struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Conversation groups messages that belong to the same email thread.
// The count and flag fields are aggregates recomputed from the member
// messages, never trusted as incrementally patched state.
type Conversation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// Subject is the display subject; NormalizedSubject is the grouping key
	// with reply/forward prefixes stripped.
	Subject           string        `json:"subject"`
	NormalizedSubject string        `json:"-"`
	Snippet           *string       `json:"snippet,omitempty"`
	LinkedEntityID    *string       `json:"linked_entity_id,omitempty"`
	LatestMessageAt   time.Time     `json:"latest_message_at"`
	MessageCount      int           `json:"message_count"`
	UnreadCount       int           `json:"unread_count"`
	HasAttachments    bool          `json:"has_attachments"`
	IsArchived        bool          `json:"is_archived"`
	Participants      []Participant `json:"participants"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Messages          []*Message    `json:"messages,omitempty"`
}

// Message is the canonical form of a single email, inbound or outbound.
// Once stored a message is immutable except for IsRead/ReadAt.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Direction      string     `json:"direction"`
	SenderEmail    string     `json:"sender_email"`
	SenderName     *string    `json:"sender_name,omitempty"`
	ToEmails       []string   `json:"to_emails"`
	CCEmails       []string   `json:"cc_emails"`
	BCCEmails      []string   `json:"bcc_emails"`
	Subject        string     `json:"subject"`
	BodyText       *string    `json:"body_text,omitempty"`
	BodyHTML       *string    `json:"body_html,omitempty"`
	Snippet        *string    `json:"snippet,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
	DeliveredAt    time.Time  `json:"delivered_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	IsRead         bool       `json:"is_read"`

	// Threading headers, kept as opaque strings and used only for matching.
	MessageIDHeader *string `json:"message_id_header,omitempty"`
	InReplyTo       *string `json:"in_reply_to,omitempty"`
	References      *string `json:"references,omitempty"`

	// IMAPUID is set for messages that came from the remote mailbox.
	IMAPUID *int64 `json:"imap_uid,omitempty"`

	HasAttachments bool          `json:"has_attachments"`
	Attachments    []*Attachment `json:"attachments,omitempty"`
}

// Attachment holds attachment metadata. Byte content is stored separately
// and streamed on demand, never loaded with message listings.
type Attachment struct {
	ID          string  `json:"id"`
	MessageID   string  `json:"message_id"`
	FileName    string  `json:"file_name"`
	ContentType string  `json:"content_type"`
	SizeBytes   int64   `json:"size_bytes"`
	IsInline    bool    `json:"is_inline"`
	ContentID   *string `json:"content_id,omitempty"`
}
