package smtp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// Outgoing describes one message to compose and transmit.
type Outgoing struct {
	FromEmail string
	FromName  string
	To        []string
	CC        []string
	Subject   string
	Body      string

	// Threading headers for replies; both empty for a fresh send or forward.
	InReplyTo  string
	References string

	Attachments []OutgoingAttachment
}

// OutgoingAttachment is one file to attach to an outgoing message.
type OutgoingAttachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Compose builds the full MIME payload for an outgoing message and returns
// the raw bytes plus the generated Message-ID header, which the store keeps
// so later inbound replies thread back to this message.
func Compose(out Outgoing) ([]byte, string, error) {
	if len(out.To) == 0 {
		return nil, "", &SendError{Err: fmt.Errorf("no recipients")}
	}

	messageID := newMessageID(out.FromEmail)

	builder := enmime.Builder().
		From(out.FromName, out.FromEmail).
		Subject(out.Subject).
		Date(time.Now().UTC()).
		Text([]byte(out.Body)).
		Header("Message-Id", messageID)

	for _, to := range out.To {
		builder = builder.To("", to)
	}
	for _, cc := range out.CC {
		builder = builder.CC("", cc)
	}

	if out.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", out.InReplyTo)
	}
	if out.References != "" {
		builder = builder.Header("References", out.References)
	}

	for _, att := range out.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		builder = builder.AddAttachment(att.Content, contentType, att.FileName)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, "", &SendError{Err: fmt.Errorf("failed to build message: %w", err)}
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, "", &SendError{Err: fmt.Errorf("failed to encode message: %w", err)}
	}

	return buf.Bytes(), messageID, nil
}

// newMessageID generates a globally unique Message-ID under the sender's
// domain.
func newMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}

	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
