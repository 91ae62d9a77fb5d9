package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/crypto"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/metrics"
	"github.com/stackcrm/mailsync/internal/models"
	"github.com/stackcrm/mailsync/internal/normalizer"
	"github.com/stackcrm/mailsync/internal/smtp"
	"github.com/stackcrm/mailsync/internal/threading"
)

// SendHandler handles replies and forwards: compose, relay, and record the
// sent message in its conversation.
type SendHandler struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	engine    *threading.Engine
	log       *zap.Logger
}

// NewSendHandler creates a SendHandler.
func NewSendHandler(pool *pgxpool.Pool, encryptor *crypto.Encryptor, engine *threading.Engine, log *zap.Logger) *SendHandler {
	return &SendHandler{pool: pool, encryptor: encryptor, engine: engine, log: log}
}

// Send handles POST /conversations/{id}/reply and /forward. A relay
// rejection is reported to the caller immediately and never retried, so a
// flaky relay can't cause duplicate sends. Send failures never touch the
// sync state.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request, conversationID, mode string) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	creds, err := db.GetCredentials(ctx, h.pool, userID)
	if errors.Is(err, db.ErrCredentialsNotFound) {
		http.Error(w, "Mailbox is not configured", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("send: failed to get credentials", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conv, err := db.GetConversation(ctx, h.pool, userID, conversationID)
	if errors.Is(err, db.ErrConversationNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("send: failed to get conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	latest, err := db.GetLatestMessageInConversation(ctx, h.pool, userID, conversationID)
	if err != nil {
		h.log.Error("send: failed to get latest message", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	outgoing, err := h.buildOutgoing(creds, conv, latest, &req, mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	password, err := h.encryptor.Decrypt(creds.EncryptedPassword)
	if err != nil {
		h.log.Error("send: failed to decrypt password", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	raw, messageID, err := smtp.Compose(*outgoing)
	if err != nil {
		h.log.Warn("send: compose failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	receipt, err := smtp.Send(smtp.Endpoint{
		Host:     creds.SMTPHost,
		Port:     creds.SMTPPort,
		Security: creds.SMTPSecurity,
		Username: creds.EmailAddress,
		Password: password,
	}, creds.EmailAddress, append(append([]string{}, outgoing.To...), outgoing.CC...), messageID, raw)
	if err != nil {
		metrics.RecordSend("rejected", time.Since(start))
		h.log.Warn("send: relay rejected message", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "The mail relay rejected the message", http.StatusBadGateway)
		return
	}
	metrics.RecordSend("accepted", time.Since(start))

	sent, err := h.recordSentMessage(r, userID, creds, outgoing, receipt, &req)
	if err != nil {
		// The relay accepted the message; losing the local record is an
		// internal problem, not a send failure.
		h.log.Error("send: failed to record sent message", zap.Error(err))
		http.Error(w, "Message sent but could not be recorded", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, h.log, http.StatusCreated, sent)
}

// buildOutgoing derives subject, recipients, and threading headers for the
// outgoing message.
func (h *SendHandler) buildOutgoing(creds *models.MailboxCredentials, conv *models.Conversation, latest *models.Message, req *models.SendRequest, mode string) (*smtp.Outgoing, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, errors.New("body is required")
	}

	outgoing := &smtp.Outgoing{
		FromEmail: creds.EmailAddress,
		To:        req.To,
		CC:        req.CC,
		Body:      req.Body,
	}

	switch mode {
	case "reply":
		outgoing.Subject = "Re: " + conv.Subject
		if len(outgoing.To) == 0 {
			outgoing.To = replyRecipients(creds.EmailAddress, latest)
		}
		if latest.MessageIDHeader != nil {
			outgoing.InReplyTo = *latest.MessageIDHeader
			outgoing.References = joinReferences(latest.References, *latest.MessageIDHeader)
		}
	case "forward":
		outgoing.Subject = "Fwd: " + conv.Subject
		if len(outgoing.To) == 0 {
			return nil, errors.New("to is required for forward")
		}
	default:
		return nil, errors.New("unknown send mode")
	}

	if len(outgoing.To) == 0 {
		return nil, errors.New("no recipients")
	}

	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.ContentBase64)
		if err != nil {
			return nil, errors.New("attachment content must be base64")
		}
		outgoing.Attachments = append(outgoing.Attachments, smtp.OutgoingAttachment{
			FileName:    att.FileName,
			ContentType: att.ContentType,
			Content:     content,
		})
	}

	return outgoing, nil
}

// recordSentMessage stores the sent message through the threading engine so
// it lands in the right conversation with aggregates recomputed.
func (h *SendHandler) recordSentMessage(r *http.Request, userID string, creds *models.MailboxCredentials, outgoing *smtp.Outgoing, receipt *smtp.Receipt, req *models.SendRequest) (*models.Message, error) {
	now := receipt.AcceptedAt
	snippet := snippetOfBody(outgoing.Body)

	msg := &models.Message{
		UserID:          userID,
		Direction:       models.DirectionSent,
		SenderEmail:     strings.ToLower(creds.EmailAddress),
		ToEmails:        lowerAll(outgoing.To),
		CCEmails:        lowerAll(outgoing.CC),
		BCCEmails:       []string{},
		Subject:         outgoing.Subject,
		BodyText:        &outgoing.Body,
		Snippet:         snippet,
		SentAt:          now,
		DeliveredAt:     now,
		ReadAt:          &now,
		IsRead:          true,
		MessageIDHeader: &receipt.MessageID,
	}
	if outgoing.InReplyTo != "" {
		msg.InReplyTo = &outgoing.InReplyTo
	}
	if outgoing.References != "" {
		msg.References = &outgoing.References
	}

	attachments := make([]normalizer.Attachment, 0, len(outgoing.Attachments))
	for _, att := range outgoing.Attachments {
		attachments = append(attachments, normalizer.Attachment{
			Meta: models.Attachment{
				FileName:    att.FileName,
				ContentType: att.ContentType,
				SizeBytes:   int64(len(att.Content)),
			},
			Content: att.Content,
		})
	}
	msg.HasAttachments = len(attachments) > 0

	if _, err := h.engine.Ingest(r.Context(), msg, attachments, req.LinkedEntityID); err != nil {
		return nil, err
	}

	return msg, nil
}

// replyRecipients picks who a reply goes to: the other side of the latest
// message.
func replyRecipients(ownerEmail string, latest *models.Message) []string {
	owner := strings.ToLower(ownerEmail)

	if latest.Direction == models.DirectionSent {
		return latest.ToEmails
	}

	if latest.SenderEmail != "" && latest.SenderEmail != owner {
		return []string{latest.SenderEmail}
	}

	return latest.ToEmails
}

func joinReferences(existing *string, messageID string) string {
	if existing == nil || *existing == "" {
		return messageID
	}
	return *existing + " " + messageID
}

func lowerAll(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, strings.ToLower(strings.TrimSpace(e)))
	}
	return out
}

func snippetOfBody(body string) *string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if collapsed == "" {
		return nil
	}

	runes := []rune(collapsed)
	if len(runes) > 200 {
		collapsed = string(runes[:200])
	}

	return &collapsed
}
