package threading

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/metrics"
	"github.com/stackcrm/mailsync/internal/models"
	"github.com/stackcrm/mailsync/internal/normalizer"
)

// Engine assigns normalized messages to conversations and keeps conversation
// aggregates consistent with the member messages.
type Engine struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewEngine creates a threading engine.
func NewEngine(pool *pgxpool.Pool, log *zap.Logger) *Engine {
	return &Engine{pool: pool, log: log}
}

// Outcome reports what Ingest did with one message.
type Outcome struct {
	ConversationID      string
	MessageID           string
	CreatedConversation bool
	Duplicate           bool
}

// Ingest persists one normalized message: dedup check, conversation
// assignment, insert, attachments, participant merge, aggregate recompute.
// Replaying the same message is a no-op apart from read-state reconciliation,
// which keeps re-sync idempotent.
func (e *Engine) Ingest(ctx context.Context, msg *models.Message, attachments []normalizer.Attachment, linkedEntityID *string) (*Outcome, error) {
	existing, err := db.FindMessageByDedupKey(ctx, e.pool, msg.UserID, msg.MessageIDHeader, msg.IMAPUID)
	if err != nil && !errors.Is(err, db.ErrMessageNotFound) {
		return nil, err
	}

	if existing != nil {
		// Already stored by a previous run. Reconcile the remote read flag
		// (never downgrading read to unread) and refresh the aggregates.
		if err := db.ApplyRemoteReadState(ctx, e.pool, existing.ID, msg.IsRead); err != nil {
			return nil, err
		}
		if err := db.RecomputeConversationAggregates(ctx, e.pool, existing.ConversationID); err != nil {
			return nil, err
		}
		return &Outcome{ConversationID: existing.ConversationID, MessageID: existing.ID, Duplicate: true}, nil
	}

	conversationID, created, err := e.Assign(ctx, msg)
	if err != nil {
		return nil, err
	}

	msg.ConversationID = conversationID
	inserted, err := db.InsertMessage(ctx, e.pool, msg)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent writer got there first; the dedup index already holds
		// this message, so there is nothing left to do.
		return &Outcome{ConversationID: conversationID, Duplicate: true}, nil
	}

	for _, att := range attachments {
		meta := att.Meta
		meta.MessageID = msg.ID
		if err := db.SaveAttachment(ctx, e.pool, &meta, att.Content); err != nil {
			return nil, err
		}
	}

	if err := e.mergeParticipants(ctx, msg, conversationID); err != nil {
		return nil, err
	}

	if err := e.linkEntity(ctx, msg, conversationID, linkedEntityID); err != nil {
		return nil, err
	}

	if err := db.RecomputeConversationAggregates(ctx, e.pool, conversationID); err != nil {
		return nil, err
	}

	if created {
		metrics.ConversationsCreated.Inc()
	}

	return &Outcome{ConversationID: conversationID, MessageID: msg.ID, CreatedConversation: created}, nil
}

// Assign finds the conversation for a message, creating one when nothing
// matches. The matching order is fixed and the first match wins:
//
//  1. In-Reply-To, then each References entry, against stored Message-IDs.
//  2. Same normalized subject plus at least one shared participant.
//  3. A new conversation seeded from this message.
//
// Conversations are never merged after the fact; once split they stay split.
func (e *Engine) Assign(ctx context.Context, msg *models.Message) (string, bool, error) {
	if conversationID, err := e.matchByHeaders(ctx, msg); err != nil {
		return "", false, err
	} else if conversationID != "" {
		return conversationID, false, nil
	}

	if conversationID, err := e.matchBySubject(ctx, msg); err != nil {
		return "", false, err
	} else if conversationID != "" {
		return conversationID, false, nil
	}

	conversationID, err := e.createConversation(ctx, msg)
	if err != nil {
		return "", false, err
	}

	return conversationID, true, nil
}

func (e *Engine) matchByHeaders(ctx context.Context, msg *models.Message) (string, error) {
	candidates := headerCandidates(msg)
	if len(candidates) == 0 {
		return "", nil
	}

	matches, err := db.FindConversationsByMessageIDHeaders(ctx, e.pool, msg.UserID, candidates)
	if err != nil {
		return "", err
	}

	for _, candidate := range candidates {
		if conversationID, ok := matches[candidate]; ok {
			return conversationID, nil
		}
	}

	return "", nil
}

func (e *Engine) matchBySubject(ctx context.Context, msg *models.Message) (string, error) {
	normalized := NormalizeSubject(msg.Subject)
	// A message without a usable subject never merges on participant overlap
	// alone.
	if normalized == "" || normalized == "(no subject)" {
		return "", nil
	}

	emails := participantEmails(msg)
	if len(emails) == 0 {
		return "", nil
	}

	conversationID, err := db.FindConversationBySubjectAndParticipants(ctx, e.pool, msg.UserID, normalized, emails)
	if errors.Is(err, db.ErrConversationNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return conversationID, nil
}

func (e *Engine) createConversation(ctx context.Context, msg *models.Message) (string, error) {
	subject := NormalizeSubject(msg.Subject)
	if subject == "" {
		subject = "(no subject)"
	}

	conv := &models.Conversation{
		UserID:            msg.UserID,
		Subject:           subject,
		NormalizedSubject: subject,
		Snippet:           msg.Snippet,
		LatestMessageAt:   msg.SentAt,
		Participants:      ParticipantsOf(msg),
	}

	if err := db.CreateConversation(ctx, e.pool, conv); err != nil {
		return "", err
	}

	e.log.Debug("created conversation",
		zap.String("user_id", msg.UserID),
		zap.String("conversation_id", conv.ID),
		zap.String("subject", subject))

	return conv.ID, nil
}

// mergeParticipants adds the message's participants to the conversation,
// keeping existing entries and their order.
func (e *Engine) mergeParticipants(ctx context.Context, msg *models.Message, conversationID string) error {
	conv, err := db.GetConversation(ctx, e.pool, msg.UserID, conversationID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(conv.Participants))
	merged := conv.Participants
	for _, p := range conv.Participants {
		seen[strings.ToLower(p.Email)] = true
	}

	changed := false
	for _, p := range ParticipantsOf(msg) {
		key := strings.ToLower(p.Email)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, p)
		changed = true
	}

	if !changed {
		return nil
	}

	return db.UpdateConversationParticipants(ctx, e.pool, conversationID, merged)
}

// linkEntity attaches a CRM entity to the conversation: an explicit ID from
// the caller wins, otherwise the contact table is consulted for any
// participant email.
func (e *Engine) linkEntity(ctx context.Context, msg *models.Message, conversationID string, explicit *string) error {
	entityID := explicit
	if entityID == nil {
		found, err := db.FindEntityIDByEmails(ctx, e.pool, msg.UserID, participantEmails(msg))
		if err != nil {
			return err
		}
		entityID = found
	}

	if entityID == nil {
		return nil
	}

	return db.LinkConversationEntity(ctx, e.pool, conversationID, *entityID)
}

// NormalizeSubject strips leading reply/forward prefixes (Re:, Fwd:, Fw:)
// case-insensitively, repeatedly, and trims whitespace.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)

	for {
		lower := strings.ToLower(s)
		stripped := false
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

// ParticipantsOf builds the ordered, email-deduplicated participant set of a
// message: sender first, then to, cc, bcc.
func ParticipantsOf(msg *models.Message) []models.Participant {
	var participants []models.Participant
	seen := make(map[string]bool)

	add := func(role, email string, name *string) {
		key := strings.ToLower(strings.TrimSpace(email))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true

		p := models.Participant{Role: role, Email: key}
		if name != nil {
			p.Name = *name
		}
		participants = append(participants, p)
	}

	add(models.RoleFrom, msg.SenderEmail, msg.SenderName)
	for _, email := range msg.ToEmails {
		add(models.RoleTo, email, nil)
	}
	for _, email := range msg.CCEmails {
		add(models.RoleCC, email, nil)
	}
	for _, email := range msg.BCCEmails {
		add(models.RoleBCC, email, nil)
	}

	return participants
}

// headerCandidates returns the threading header IDs to match, in priority
// order: In-Reply-To first, then each References entry left to right.
func headerCandidates(msg *models.Message) []string {
	var candidates []string
	seen := make(map[string]bool)

	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		candidates = append(candidates, id)
	}

	if msg.InReplyTo != nil {
		add(*msg.InReplyTo)
	}
	if msg.References != nil {
		for _, id := range strings.Fields(*msg.References) {
			add(id)
		}
	}

	return candidates
}

// participantEmails returns the lowercased emails of all message
// participants.
func participantEmails(msg *models.Message) []string {
	participants := ParticipantsOf(msg)
	emails := make([]string, 0, len(participants))
	for _, p := range participants {
		emails = append(emails, p.Email)
	}
	return emails
}
