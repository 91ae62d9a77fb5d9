package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackcrm/mailsync/internal/models"
)

// ErrConversationNotFound is returned when a requested conversation cannot be found.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationFilter selects a page of conversations for listing.
type ConversationFilter struct {
	Search         string
	Participant    string
	UnreadOnly     bool
	Archived       *bool
	HasAttachments *bool
	LinkedEntityID *string
	Page           int
	Limit          int
}

// CreateConversation inserts a new conversation and sets its ID.
func CreateConversation(ctx context.Context, pool *pgxpool.Pool, conv *models.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO conversations (
			user_id, subject, normalized_subject, snippet, linked_entity_id,
			latest_message_at, participants
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, conv.UserID, conv.Subject, normalizedSubjectOf(conv), conv.Snippet,
		conv.LinkedEntityID, conv.LatestMessageAt, participants).
		Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

// normalizedSubjectOf falls back to the raw subject when the caller did not
// pre-normalize (the threading engine always does).
func normalizedSubjectOf(conv *models.Conversation) string {
	if conv.NormalizedSubject != "" {
		return conv.NormalizedSubject
	}
	return strings.TrimSpace(conv.Subject)
}

// GetConversation returns a single conversation owned by the user.
func GetConversation(ctx context.Context, pool *pgxpool.Pool, userID, conversationID string) (*models.Conversation, error) {
	row := pool.QueryRow(ctx, `
		SELECT id, user_id, subject, snippet, linked_entity_id,
		       latest_message_at, message_count, unread_count,
		       has_attachments, is_archived, participants,
		       created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND id = $2
	`, userID, conversationID)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conv, nil
}

// ListConversations returns one page of conversation summaries plus the total
// count matching the filter, newest activity first.
func ListConversations(ctx context.Context, pool *pgxpool.Pool, userID string, filter ConversationFilter) ([]*models.Conversation, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}

	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		p := addArg("%" + filter.Search + "%")
		where = append(where, fmt.Sprintf("(subject ILIKE %s OR snippet ILIKE %s)", p, p))
	}
	if filter.Participant != "" {
		p := addArg("%" + strings.ToLower(filter.Participant) + "%")
		where = append(where, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM jsonb_array_elements(participants) part
			WHERE lower(part->>'email') LIKE %s
		)`, p))
	}
	if filter.UnreadOnly {
		where = append(where, "unread_count > 0")
	}
	if filter.Archived != nil {
		where = append(where, fmt.Sprintf("is_archived = %s", addArg(*filter.Archived)))
	}
	if filter.HasAttachments != nil {
		where = append(where, fmt.Sprintf("has_attachments = %s", addArg(*filter.HasAttachments)))
	}
	if filter.LinkedEntityID != nil {
		where = append(where, fmt.Sprintf("linked_entity_id = %s", addArg(*filter.LinkedEntityID)))
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM conversations WHERE " + whereClause
	if err := pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	limitParam := addArg(filter.Limit)
	offsetParam := addArg((filter.Page - 1) * filter.Limit)

	rows, err := pool.Query(ctx, `
		SELECT id, user_id, subject, snippet, linked_entity_id,
		       latest_message_at, message_count, unread_count,
		       has_attachments, is_archived, participants,
		       created_at, updated_at
		FROM conversations
		WHERE `+whereClause+`
		ORDER BY latest_message_at DESC
		LIMIT `+limitParam+` OFFSET `+offsetParam,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, total, nil
}

// FindConversationsByMessageIDHeaders maps provider message IDs to the
// conversation that already contains them. Used by the threading engine for
// the In-Reply-To/References exact match.
func FindConversationsByMessageIDHeaders(ctx context.Context, pool *pgxpool.Pool, userID string, headerIDs []string) (map[string]string, error) {
	result := make(map[string]string)
	if len(headerIDs) == 0 {
		return result, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT message_id_header, conversation_id
		FROM messages
		WHERE user_id = $1 AND message_id_header = ANY($2)
	`, userID, headerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find conversations by message ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var headerID, conversationID string
		if err := rows.Scan(&headerID, &conversationID); err != nil {
			return nil, fmt.Errorf("failed to scan conversation match: %w", err)
		}
		result[headerID] = conversationID
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation matches: %w", err)
	}

	return result, nil
}

// FindConversationBySubjectAndParticipants returns the oldest conversation
// with the given normalized subject and at least one of the given participant
// emails (already lowercased).
func FindConversationBySubjectAndParticipants(ctx context.Context, pool *pgxpool.Pool, userID, normalizedSubject string, emails []string) (string, error) {
	var conversationID string

	err := pool.QueryRow(ctx, `
		SELECT id
		FROM conversations
		WHERE user_id = $1 AND normalized_subject = $2
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(participants) part
			WHERE lower(part->>'email') = ANY($3)
		  )
		ORDER BY created_at
		LIMIT 1
	`, userID, normalizedSubject, emails).Scan(&conversationID)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrConversationNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to find conversation by subject: %w", err)
	}

	return conversationID, nil
}

// UpdateConversationParticipants replaces the participant set.
func UpdateConversationParticipants(ctx context.Context, pool *pgxpool.Pool, conversationID string, participants []models.Participant) error {
	payload, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	_, err = pool.Exec(ctx, `
		UPDATE conversations
		SET participants = $2, updated_at = now()
		WHERE id = $1
	`, conversationID, payload)

	if err != nil {
		return fmt.Errorf("failed to update participants: %w", err)
	}

	return nil
}

// LinkConversationEntity attaches a CRM entity to a conversation if it does
// not have one yet. The core never reinterprets the ID.
func LinkConversationEntity(ctx context.Context, pool *pgxpool.Pool, conversationID, entityID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE conversations
		SET linked_entity_id = COALESCE(linked_entity_id, $2), updated_at = now()
		WHERE id = $1
	`, conversationID, entityID)

	if err != nil {
		return fmt.Errorf("failed to link entity: %w", err)
	}

	return nil
}

// SetConversationArchived flips the archive flag.
func SetConversationArchived(ctx context.Context, pool *pgxpool.Pool, userID, conversationID string, archived bool) error {
	tag, err := pool.Exec(ctx, `
		UPDATE conversations
		SET is_archived = $3, updated_at = now()
		WHERE user_id = $1 AND id = $2
	`, userID, conversationID, archived)

	if err != nil {
		return fmt.Errorf("failed to set archived: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}

	return nil
}

// MarkConversationRead marks every member message read and recomputes the
// aggregates. read_at is only set the first time a message is read.
func MarkConversationRead(ctx context.Context, pool *pgxpool.Pool, userID, conversationID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE messages
		SET is_read = true, read_at = COALESCE(read_at, now())
		WHERE user_id = $1 AND conversation_id = $2 AND NOT is_read
	`, userID, conversationID)

	if err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Nothing was unread; still verify the conversation exists.
		if _, err := GetConversation(ctx, pool, userID, conversationID); err != nil {
			return err
		}
	}

	return RecomputeConversationAggregates(ctx, pool, conversationID)
}

// MarkConversationUnread clears the read flag on every member message and
// recomputes the aggregates.
func MarkConversationUnread(ctx context.Context, pool *pgxpool.Pool, userID, conversationID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages
		SET is_read = false, read_at = NULL
		WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID)

	if err != nil {
		return fmt.Errorf("failed to mark conversation unread: %w", err)
	}

	return RecomputeConversationAggregates(ctx, pool, conversationID)
}

// RecomputeConversationAggregates rebuilds the derived fields from the member
// messages. Aggregates are never patched incrementally, so they can always be
// reconstructed from source messages.
func RecomputeConversationAggregates(ctx context.Context, pool *pgxpool.Pool, conversationID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE conversations c
		SET message_count = agg.message_count,
		    unread_count = agg.unread_count,
		    has_attachments = agg.has_attachments,
		    latest_message_at = COALESCE(agg.latest_message_at, c.latest_message_at),
		    snippet = COALESCE(agg.latest_snippet, c.snippet),
		    updated_at = now()
		FROM (
			SELECT COUNT(*) AS message_count,
			       COUNT(*) FILTER (WHERE NOT is_read) AS unread_count,
			       bool_or(has_attachments) AS has_attachments,
			       MAX(sent_at) AS latest_message_at,
			       (SELECT m2.snippet FROM messages m2
			        WHERE m2.conversation_id = $1
			        ORDER BY m2.sent_at DESC LIMIT 1) AS latest_snippet
			FROM messages
			WHERE conversation_id = $1
		) agg
		WHERE c.id = $1
	`, conversationID)

	if err != nil {
		return fmt.Errorf("failed to recompute aggregates: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var participants []byte

	if err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Subject,
		&conv.Snippet,
		&conv.LinkedEntityID,
		&conv.LatestMessageAt,
		&conv.MessageCount,
		&conv.UnreadCount,
		&conv.HasAttachments,
		&conv.IsArchived,
		&participants,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(participants, &conv.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}

	return &conv, nil
}
