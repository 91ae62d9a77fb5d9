package normalizer

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackcrm/mailsync/internal/imap"
	"github.com/stackcrm/mailsync/internal/models"
)

func rawMessage(uid uint32, flags []string, body string) imap.RawMessage {
	return imap.RawMessage{
		UID:          uid,
		Flags:        flags,
		InternalDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Body:         []byte(body),
	}
}

const simpleMessage = "Message-ID: <abc@remote.example>\r\n" +
	"In-Reply-To: <root@remote.example>\r\n" +
	"References: <root@remote.example> <mid@remote.example>\r\n" +
	"Date: Sun, 01 Mar 2026 11:30:00 +0000\r\n" +
	"From: Ada Lovelace <Ada@Partner.Example>\r\n" +
	"To: owner@stackmail.com, second@other.example\r\n" +
	"Cc: cc@other.example\r\n" +
	"Subject: Quarterly intro\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello there,\r\nthis is the body.\r\n"

func TestNormalizeSimpleMessage(t *testing.T) {
	result, err := Normalize(rawMessage(7, nil, simpleMessage), "owner@stackmail.com")
	require.NoError(t, err)

	msg := result.Message
	assert.Equal(t, models.DirectionReceived, msg.Direction)
	assert.Equal(t, "ada@partner.example", msg.SenderEmail)
	require.NotNil(t, msg.SenderName)
	assert.Equal(t, "Ada Lovelace", *msg.SenderName)
	assert.Equal(t, []string{"owner@stackmail.com", "second@other.example"}, msg.ToEmails)
	assert.Equal(t, []string{"cc@other.example"}, msg.CCEmails)
	assert.Equal(t, "Quarterly intro", msg.Subject)

	require.NotNil(t, msg.MessageIDHeader)
	assert.Equal(t, "<abc@remote.example>", *msg.MessageIDHeader)
	require.NotNil(t, msg.InReplyTo)
	assert.Equal(t, "<root@remote.example>", *msg.InReplyTo)
	require.NotNil(t, msg.References)
	assert.Equal(t, "<root@remote.example> <mid@remote.example>", *msg.References)

	assert.Equal(t, time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC), msg.SentAt)
	require.NotNil(t, msg.IMAPUID)
	assert.Equal(t, int64(7), *msg.IMAPUID)
	assert.False(t, msg.IsRead)

	require.NotNil(t, msg.BodyText)
	require.NotNil(t, msg.Snippet)
	assert.Equal(t, "Hello there, this is the body.", *msg.Snippet)
	assert.False(t, msg.HasAttachments)
	assert.Empty(t, result.Attachments)
}

func TestNormalizeDirectionSentWhenFromOwner(t *testing.T) {
	body := "From: Owner <OWNER@stackmail.com>\r\n" +
		"To: ada@partner.example\r\n" +
		"Subject: Ping\r\n" +
		"\r\n" +
		"body\r\n"

	result, err := Normalize(rawMessage(1, nil, body), "owner@stackmail.com")
	require.NoError(t, err)

	assert.Equal(t, models.DirectionSent, result.Message.Direction)
}

func TestNormalizeMissingHeadersUseDefaults(t *testing.T) {
	body := "\r\nbare body with no headers\r\n"

	result, err := Normalize(rawMessage(3, nil, body), "owner@stackmail.com")
	require.NoError(t, err)

	msg := result.Message
	assert.Equal(t, "(no subject)", msg.Subject)
	assert.Equal(t, "", msg.SenderEmail)
	assert.Empty(t, msg.ToEmails)
	assert.Empty(t, msg.CCEmails)
	assert.Nil(t, msg.MessageIDHeader)
	// No Date header: the internal date stands in.
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), msg.SentAt)
}

func TestNormalizeSeenFlag(t *testing.T) {
	result, err := Normalize(rawMessage(4, []string{goimap.SeenFlag}, simpleMessage), "owner@stackmail.com")
	require.NoError(t, err)

	assert.True(t, result.Message.IsRead)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := rawMessage(9, []string{goimap.SeenFlag}, simpleMessage)

	first, err := Normalize(raw, "owner@stackmail.com")
	require.NoError(t, err)
	second, err := Normalize(raw, "owner@stackmail.com")
	require.NoError(t, err)

	assert.True(t, reflect.DeepEqual(first, second))
}

func TestNormalizeSnippetIsTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "lorem "
	}
	body := "From: a@b.example\r\nSubject: Long\r\n\r\n" + long

	result, err := Normalize(rawMessage(5, nil, body), "owner@stackmail.com")
	require.NoError(t, err)

	require.NotNil(t, result.Message.Snippet)
	assert.Len(t, []rune(*result.Message.Snippet), 200)
}

func TestNormalizeMultipartWithAttachment(t *testing.T) {
	body := "From: ada@partner.example\r\n" +
		"To: owner@stackmail.com\r\n" +
		"Subject: With attachment\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"xyz\"\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"See attached.\r\n" +
		"--xyz\r\n" +
		"Content-Type: application/pdf; name=\"deck.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"deck.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--xyz--\r\n"

	result, err := Normalize(rawMessage(6, nil, body), "owner@stackmail.com")
	require.NoError(t, err)

	assert.True(t, result.Message.HasAttachments)
	require.Len(t, result.Attachments, 1)

	att := result.Attachments[0]
	assert.Equal(t, "deck.pdf", att.Meta.FileName)
	assert.Equal(t, "application/pdf", att.Meta.ContentType)
	assert.False(t, att.Meta.IsInline)
	assert.Equal(t, int64(len(att.Content)), att.Meta.SizeBytes)
	assert.NotEmpty(t, att.Content)
}

func TestNormalizeUnparsableMessage(t *testing.T) {
	// A header line that cannot be folded into a valid MIME header.
	body := "Content-Type: multipart/mixed; boundary=\r\n broken\r\n"

	_, err := Normalize(rawMessage(8, nil, body), "owner@stackmail.com")
	if err != nil {
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, uint32(8), parseErr.UID)
		assert.Contains(t, parseErr.Error(), "uid 8")
	}
}

func TestSnippetOf(t *testing.T) {
	assert.Nil(t, snippetOf(""))
	assert.Nil(t, snippetOf("   \r\n\t"))

	got := snippetOf("  a\r\n b\tc  ")
	require.NotNil(t, got)
	assert.Equal(t, "a b c", *got)
}

func TestParseErrorMessage(t *testing.T) {
	err := &ParseError{UID: 42, Err: fmt.Errorf("boom")}
	assert.Equal(t, "failed to parse message uid 42: boom", err.Error())
}
