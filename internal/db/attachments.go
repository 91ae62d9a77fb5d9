package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackcrm/mailsync/internal/models"
)

// ErrAttachmentNotFound is returned when a requested attachment cannot be found.
var ErrAttachmentNotFound = errors.New("attachment not found")

// SaveAttachment stores attachment metadata plus its byte content.
func SaveAttachment(ctx context.Context, pool *pgxpool.Pool, att *models.Attachment, content []byte) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO attachments (message_id, file_name, content_type, size_bytes, is_inline, content_id, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, att.MessageID, att.FileName, att.ContentType, att.SizeBytes, att.IsInline, att.ContentID, content).Scan(&att.ID)

	// A conflict on (message_id, content_id) means the attachment was already
	// stored by a previous sync of the same message.
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}

	return nil
}

// GetAttachmentsForMessages returns attachment metadata grouped by message ID.
func GetAttachmentsForMessages(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) (map[string][]*models.Attachment, error) {
	result := make(map[string][]*models.Attachment)
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT id, message_id, file_name, content_type, size_bytes, is_inline, content_id
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY file_name
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.MessageID,
			&att.FileName,
			&att.ContentType,
			&att.SizeBytes,
			&att.IsInline,
			&att.ContentID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		result[att.MessageID] = append(result[att.MessageID], &att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return result, nil
}

// GetAttachmentContent returns one attachment's metadata and bytes, verifying
// that it belongs to the given user and conversation.
func GetAttachmentContent(ctx context.Context, pool *pgxpool.Pool, userID, conversationID, attachmentID string) (*models.Attachment, []byte, error) {
	var att models.Attachment
	var content []byte

	err := pool.QueryRow(ctx, `
		SELECT a.id, a.message_id, a.file_name, a.content_type, a.size_bytes, a.is_inline, a.content_id, a.content
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE a.id = $1 AND m.user_id = $2 AND m.conversation_id = $3
	`, attachmentID, userID, conversationID).Scan(
		&att.ID,
		&att.MessageID,
		&att.FileName,
		&att.ContentType,
		&att.SizeBytes,
		&att.IsInline,
		&att.ContentID,
		&content,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrAttachmentNotFound
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to get attachment content: %w", err)
	}

	return &att, content, nil
}
