package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/db"
)

// AttachmentsHandler serves attachment content downloads.
type AttachmentsHandler struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewAttachmentsHandler creates an AttachmentsHandler.
func NewAttachmentsHandler(pool *pgxpool.Pool, log *zap.Logger) *AttachmentsHandler {
	return &AttachmentsHandler{pool: pool, log: log}
}

// Download streams one attachment's bytes. The query verifies the attachment
// belongs to the caller's conversation, so a guessed ID returns 404.
func (h *AttachmentsHandler) Download(w http.ResponseWriter, r *http.Request, conversationID, attachmentID string) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	att, content, err := db.GetAttachmentContent(ctx, h.pool, userID, conversationID, attachmentID)
	if errors.Is(err, db.ErrAttachmentNotFound) {
		http.Error(w, "Attachment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("attachments: failed to get content", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		h.log.Error("attachments: failed to write content", zap.Error(err))
	}
}
