package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/models"
)

// ConversationsHandler serves conversation listings, single conversations
// with their messages, and the read/archive state mutations.
type ConversationsHandler struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewConversationsHandler creates a ConversationsHandler.
func NewConversationsHandler(pool *pgxpool.Pool, log *zap.Logger) *ConversationsHandler {
	return &ConversationsHandler{pool: pool, log: log}
}

// List returns one page of conversation summaries, filtered by query
// parameters: q, participant, unread, archived, has_attachments,
// linked_entity_id, page, limit.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	page, limit := ParsePaginationParams(r, 20)
	query := r.URL.Query()

	filter := db.ConversationFilter{
		Search:      query.Get("q"),
		Participant: query.Get("participant"),
		UnreadOnly:  query.Get("unread") == "true",
		Page:        page,
		Limit:       limit,
	}

	if archived := query.Get("archived"); archived != "" {
		value := archived == "true"
		filter.Archived = &value
	}
	if hasAtt := query.Get("has_attachments"); hasAtt != "" {
		value := hasAtt == "true"
		filter.HasAttachments = &value
	}
	if entityID := query.Get("linked_entity_id"); entityID != "" {
		filter.LinkedEntityID = &entityID
	}

	conversations, total, err := db.ListConversations(ctx, h.pool, userID, filter)
	if err != nil {
		h.log.Error("conversations: failed to list", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if conversations == nil {
		conversations = []*models.Conversation{}
	}

	WriteJSON(w, h.log, http.StatusOK, models.ConversationListResponse{
		Conversations: conversations,
		Total:         total,
		Page:          page,
		Limit:         limit,
	})
}

// Get returns one conversation with its ordered messages and attachment
// metadata.
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	conv, err := db.GetConversation(ctx, h.pool, userID, conversationID)
	if errors.Is(err, db.ErrConversationNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("conversations: failed to get", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	messages, err := db.GetMessagesForConversation(ctx, h.pool, userID, conversationID)
	if err != nil {
		h.log.Error("conversations: failed to get messages", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conv.Messages = messages
	WriteJSON(w, h.log, http.StatusOK, conv)
}

// Mutate applies one of the state mutations: read, unread, archive,
// unarchive.
func (h *ConversationsHandler) Mutate(w http.ResponseWriter, r *http.Request, conversationID, action string) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var err error
	switch action {
	case "read":
		err = db.MarkConversationRead(ctx, h.pool, userID, conversationID)
	case "unread":
		err = db.MarkConversationUnread(ctx, h.pool, userID, conversationID)
	case "archive":
		err = db.SetConversationArchived(ctx, h.pool, userID, conversationID, true)
	case "unarchive":
		err = db.SetConversationArchived(ctx, h.pool, userID, conversationID, false)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}

	if errors.Is(err, db.ErrConversationNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("conversations: mutation failed",
			zap.String("action", action), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, h.log, http.StatusOK, struct {
		Success bool `json:"success"`
	}{Success: true})
}

// Route dispatches /api/v1/conversations/... paths: list, single
// conversation, mutations, send operations, and attachment downloads.
func (h *ConversationsHandler) Route(send *SendHandler, attachments *AttachmentsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations")
		rest = strings.Trim(rest, "/")

		if rest == "" {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h.List(w, r)
			return
		}

		parts := strings.Split(rest, "/")
		conversationID := parts[0]

		switch {
		case len(parts) == 1:
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h.Get(w, r, conversationID)
		case len(parts) == 2 && r.Method == http.MethodPost && (parts[1] == "reply" || parts[1] == "forward"):
			send.Send(w, r, conversationID, parts[1])
		case len(parts) == 2 && r.Method == http.MethodPost:
			h.Mutate(w, r, conversationID, parts[1])
		case len(parts) == 3 && parts[1] == "attachments" && r.Method == http.MethodGet:
			attachments.Download(w, r, conversationID, parts[2])
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}
