package normalizer

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/stackcrm/mailsync/internal/imap"
	"github.com/stackcrm/mailsync/internal/models"
)

// snippetLength is the maximum preview length stored on messages and
// conversations.
const snippetLength = 200

// ParseError means one raw message could not be parsed. The sync skips the
// message and moves on; a single malformed message never fails the batch.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message uid %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Attachment pairs attachment metadata with its content bytes, which the
// store persists separately from the message row.
type Attachment struct {
	Meta    models.Attachment
	Content []byte
}

// Result is one normalized message plus its extracted attachments.
type Result struct {
	Message     *models.Message
	Attachments []Attachment
}

// Normalize converts a raw fetched message into the canonical form.
// Missing headers get safe defaults (empty recipient lists, "(no subject)").
// The output is deterministic: normalizing the same raw message twice yields
// the same result, which re-sync after a crash relies on.
func Normalize(raw imap.RawMessage, ownerEmail string) (*Result, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, &ParseError{UID: raw.UID, Err: err}
	}

	senderEmail, senderName := parseSender(env)

	direction := models.DirectionReceived
	if senderEmail != "" && senderEmail == strings.ToLower(ownerEmail) {
		direction = models.DirectionSent
	}

	subject := strings.TrimSpace(env.GetHeader("Subject"))
	if subject == "" {
		subject = "(no subject)"
	}

	sentAt := parseSentAt(env, raw.InternalDate)
	deliveredAt := raw.InternalDate
	if deliveredAt.IsZero() {
		deliveredAt = sentAt
	}

	isRead := false
	for _, flag := range raw.Flags {
		if flag == goimap.SeenFlag {
			isRead = true
			break
		}
	}

	uid := int64(raw.UID)
	msg := &models.Message{
		Direction:       direction,
		SenderEmail:     senderEmail,
		SenderName:      senderName,
		ToEmails:        addressList(env, "To"),
		CCEmails:        addressList(env, "Cc"),
		BCCEmails:       addressList(env, "Bcc"),
		Subject:         subject,
		BodyText:        nilIfEmpty(env.Text),
		BodyHTML:        nilIfEmpty(env.HTML),
		Snippet:         snippetOf(env.Text),
		SentAt:          sentAt,
		DeliveredAt:     deliveredAt,
		IsRead:          isRead,
		MessageIDHeader: headerPtr(env, "Message-Id"),
		InReplyTo:       headerPtr(env, "In-Reply-To"),
		References:      headerPtr(env, "References"),
		IMAPUID:         &uid,
	}

	attachments := extractAttachments(env)
	msg.HasAttachments = len(attachments) > 0

	return &Result{Message: msg, Attachments: attachments}, nil
}

func parseSender(env *enmime.Envelope) (string, *string) {
	addresses, err := env.AddressList("From")
	if err != nil || len(addresses) == 0 {
		return "", nil
	}

	addr := addresses[0]
	email := strings.ToLower(strings.TrimSpace(addr.Address))

	if addr.Name == "" {
		return email, nil
	}

	name := addr.Name
	return email, &name
}

func addressList(env *enmime.Envelope, header string) []string {
	addresses, err := env.AddressList(header)
	if err != nil || len(addresses) == 0 {
		return []string{}
	}

	emails := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		email := strings.ToLower(strings.TrimSpace(addr.Address))
		if email != "" {
			emails = append(emails, email)
		}
	}

	return emails
}

func parseSentAt(env *enmime.Envelope, internalDate time.Time) time.Time {
	if date := env.GetHeader("Date"); date != "" {
		if parsed, err := mail.ParseDate(date); err == nil {
			return parsed.UTC()
		}
	}

	return internalDate.UTC()
}

// snippetOf collapses whitespace in the text body and truncates it to the
// preview length on a rune boundary.
func snippetOf(text string) *string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return nil
	}

	runes := []rune(collapsed)
	if len(runes) > snippetLength {
		collapsed = string(runes[:snippetLength])
	}

	return &collapsed
}

func extractAttachments(env *enmime.Envelope) []Attachment {
	var attachments []Attachment
	seenContentIDs := make(map[string]bool)

	add := func(part *enmime.Part, inline bool) {
		meta := models.Attachment{
			FileName:    part.FileName,
			ContentType: part.ContentType,
			SizeBytes:   int64(len(part.Content)),
			IsInline:    inline,
		}

		if part.ContentID != "" {
			// Content IDs must be unique within a message; keep the first.
			if seenContentIDs[part.ContentID] {
				return
			}
			seenContentIDs[part.ContentID] = true
			contentID := part.ContentID
			meta.ContentID = &contentID
		}

		if meta.FileName == "" {
			meta.FileName = "attachment"
		}

		attachments = append(attachments, Attachment{Meta: meta, Content: part.Content})
	}

	for _, part := range env.Attachments {
		add(part, part.ContentID != "")
	}
	for _, part := range env.Inlines {
		// Inline parts without a filename or content ID are usually just an
		// alternative body rendering, not a real attachment.
		if part.FileName == "" && part.ContentID == "" {
			continue
		}
		add(part, true)
	}

	return attachments
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func headerPtr(env *enmime.Envelope, header string) *string {
	value := strings.TrimSpace(env.GetHeader(header))
	if value == "" {
		return nil
	}
	return &value
}
