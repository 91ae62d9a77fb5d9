package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackcrm/mailsync/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// StoredMessageRef identifies an already-stored message and the conversation
// it lives in.
type StoredMessageRef struct {
	ID             string
	ConversationID string
	IsRead         bool
}

// FindMessageByDedupKey looks up a message by its provider-assigned
// Message-ID header, falling back to the IMAP UID when the header is absent.
// Returns ErrMessageNotFound if neither key matches.
func FindMessageByDedupKey(ctx context.Context, pool *pgxpool.Pool, userID string, messageIDHeader *string, imapUID *int64) (*StoredMessageRef, error) {
	var ref StoredMessageRef
	var err error

	switch {
	case messageIDHeader != nil && *messageIDHeader != "":
		err = pool.QueryRow(ctx, `
			SELECT id, conversation_id, is_read
			FROM messages
			WHERE user_id = $1 AND message_id_header = $2
		`, userID, *messageIDHeader).Scan(&ref.ID, &ref.ConversationID, &ref.IsRead)
	case imapUID != nil:
		err = pool.QueryRow(ctx, `
			SELECT id, conversation_id, is_read
			FROM messages
			WHERE user_id = $1 AND imap_uid = $2
		`, userID, *imapUID).Scan(&ref.ID, &ref.ConversationID, &ref.IsRead)
	default:
		return nil, ErrMessageNotFound
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}

	return &ref, nil
}

// InsertMessage stores a new message. A concurrent or replayed insert that
// hits the dedup index is treated as already applied, not an error, so
// re-syncing the same batch stays idempotent. Returns true if the row was
// actually inserted.
func InsertMessage(ctx context.Context, pool *pgxpool.Pool, msg *models.Message) (bool, error) {
	err := pool.QueryRow(ctx, `
		INSERT INTO messages (
			conversation_id, user_id, direction,
			sender_email, sender_name, to_emails, cc_emails, bcc_emails,
			subject, body_text, body_html, snippet,
			sent_at, delivered_at, read_at, is_read,
			message_id_header, in_reply_to, references_header,
			imap_uid, has_attachments
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, msg.ConversationID, msg.UserID, msg.Direction,
		msg.SenderEmail, msg.SenderName, msg.ToEmails, msg.CCEmails, msg.BCCEmails,
		msg.Subject, msg.BodyText, msg.BodyHTML, msg.Snippet,
		msg.SentAt, msg.DeliveredAt, msg.ReadAt, msg.IsRead,
		msg.MessageIDHeader, msg.InReplyTo, msg.References,
		msg.IMAPUID, msg.HasAttachments).Scan(&msg.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	return true, nil
}

// ApplyRemoteReadState reconciles the remote \Seen flag with local state.
// A message read locally never goes back to unread because of a re-sync;
// read_at is only stamped the first time the message becomes read.
func ApplyRemoteReadState(ctx context.Context, pool *pgxpool.Pool, messageID string, remoteIsRead bool) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages
		SET read_at = CASE WHEN NOT is_read AND $2 THEN now() ELSE read_at END,
		    is_read = is_read OR $2
		WHERE id = $1
	`, messageID, remoteIsRead)

	if err != nil {
		return fmt.Errorf("failed to apply read state: %w", err)
	}

	return nil
}

// GetMessagesForConversation returns the ordered messages of a conversation,
// with attachment metadata attached. Attachment bytes are not loaded here.
func GetMessagesForConversation(ctx context.Context, pool *pgxpool.Pool, userID, conversationID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, conversation_id, user_id, direction,
		       sender_email, sender_name, to_emails, cc_emails, bcc_emails,
		       subject, body_text, body_html, snippet,
		       sent_at, delivered_at, read_at, is_read,
		       message_id_header, in_reply_to, references_header,
		       imap_uid, has_attachments
		FROM messages
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY sent_at
	`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	messageIDs := make([]string, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.UserID,
			&msg.Direction,
			&msg.SenderEmail,
			&msg.SenderName,
			&msg.ToEmails,
			&msg.CCEmails,
			&msg.BCCEmails,
			&msg.Subject,
			&msg.BodyText,
			&msg.BodyHTML,
			&msg.Snippet,
			&msg.SentAt,
			&msg.DeliveredAt,
			&msg.ReadAt,
			&msg.IsRead,
			&msg.MessageIDHeader,
			&msg.InReplyTo,
			&msg.References,
			&msg.IMAPUID,
			&msg.HasAttachments,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
		messageIDs = append(messageIDs, msg.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	attachments, err := GetAttachmentsForMessages(ctx, pool, messageIDs)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		msg.Attachments = attachments[msg.ID]
	}

	return messages, nil
}

// GetLatestMessageInConversation returns the most recent message, used to
// derive reply headers and recipients.
func GetLatestMessageInConversation(ctx context.Context, pool *pgxpool.Pool, userID, conversationID string) (*models.Message, error) {
	messages, err := GetMessagesForConversation(ctx, pool, userID, conversationID)
	if err != nil {
		return nil, err
	}

	if len(messages) == 0 {
		return nil, ErrMessageNotFound
	}

	return messages[len(messages)-1], nil
}
