package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/auth"
	"github.com/stackcrm/mailsync/internal/crypto"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/models"
	"github.com/stackcrm/mailsync/internal/normalizer"
	"github.com/stackcrm/mailsync/internal/provider"
	"github.com/stackcrm/mailsync/internal/syncer"
	"github.com/stackcrm/mailsync/internal/testutil"
	"github.com/stackcrm/mailsync/internal/threading"
)

type testAPI struct {
	pool          *pgxpool.Pool
	encryptor     *crypto.Encryptor
	engine        *threading.Engine
	config        *ConfigHandler
	conversations *ConversationsHandler
	send          *SendHandler
	attachments   *AttachmentsHandler
	providers     *ProvidersHandler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	pool := testutil.NewTestDB(t)
	encryptor := testutil.NewTestEncryptor(t)
	log := zap.NewNop()

	engine := threading.NewEngine(pool, log)
	resolver := provider.NewResolver(pool)
	orchestrator := syncer.New(pool, encryptor, engine, nil, log, syncer.Options{
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
	})

	return &testAPI{
		pool:          pool,
		encryptor:     encryptor,
		engine:        engine,
		config:        NewConfigHandler(pool, encryptor, resolver, orchestrator, log),
		conversations: NewConversationsHandler(pool, log),
		send:          NewSendHandler(pool, encryptor, engine, log),
		attachments:   NewAttachmentsHandler(pool, log),
		providers:     NewProvidersHandler(pool, log),
	}
}

// doRequest runs a handler with an authenticated request context.
func doRequest(t *testing.T, handler http.HandlerFunc, method, target, userEmail string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req = req.WithContext(context.WithValue(req.Context(), auth.UserEmailKey, userEmail))

	recorder := httptest.NewRecorder()
	handler(recorder, req)
	return recorder
}

func TestConfigHandler(t *testing.T) {
	api := newTestAPI(t)
	imapServer := testutil.NewTestIMAPServer(t)
	userEmail := "config-test@testmail.local"

	t.Run("unconfigured mailbox reports as such", func(t *testing.T) {
		rec := doRequest(t, api.config.GetConfig, http.MethodGet, "/api/v1/mailbox/config", userEmail, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp models.MailboxConfigResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Configured {
			t.Error("Expected configured=false")
		}
		if resp.SyncStatus != models.SyncStatusUnconfigured {
			t.Errorf("Expected unconfigured status, got %s", resp.SyncStatus)
		}
	})

	t.Run("manual sync on an unconfigured mailbox is rejected", func(t *testing.T) {
		rec := doRequest(t, api.config.TriggerSync, http.MethodPost, "/api/v1/mailbox/sync", userEmail, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("initial save requires a password", func(t *testing.T) {
		rec := doRequest(t, api.config.SaveConfig, http.MethodPost, "/api/v1/mailbox/config", userEmail,
			models.MailboxConfigRequest{EmailAddress: userEmail})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 without a password, got %d", rec.Code)
		}
	})

	t.Run("save fills hosts from provider resolution and stores encrypted", func(t *testing.T) {
		rec := doRequest(t, api.config.SaveConfig, http.MethodPost, "/api/v1/mailbox/config", userEmail,
			models.MailboxConfigRequest{
				EmailAddress: userEmail,
				Password:     "secret",
				SMTPHost:     "smtp.override.local",
			})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		rec = doRequest(t, api.config.GetConfig, http.MethodGet, "/api/v1/mailbox/config", userEmail, nil)
		var resp models.MailboxConfigResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if !resp.Configured {
			t.Fatal("Expected configured=true")
		}
		// The unknown domain falls back to the conventional guess; the
		// explicit SMTP host wins over it.
		if resp.IMAPHost != "imap.testmail.local" {
			t.Errorf("Expected resolved IMAP host, got %q", resp.IMAPHost)
		}
		if resp.SMTPHost != "smtp.override.local" {
			t.Errorf("Expected explicit SMTP host to win, got %q", resp.SMTPHost)
		}
	})

	t.Run("saving again without a password keeps the stored one", func(t *testing.T) {
		rec := doRequest(t, api.config.SaveConfig, http.MethodPost, "/api/v1/mailbox/config", userEmail,
			models.MailboxConfigRequest{EmailAddress: userEmail})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("connection test classifies an auth failure", func(t *testing.T) {
		rec := doRequest(t, api.config.TestConfig, http.MethodPost, "/api/v1/mailbox/test", userEmail,
			models.MailboxConfigRequest{
				EmailAddress: userEmail,
				Password:     "wrong",
				IMAPHost:     imapServer.Host,
				IMAPPort:     imapServer.Port,
				IMAPSecurity: "insecure",
			})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Success {
			t.Error("Expected the connection test to fail")
		}
		if resp.Error == "" {
			t.Error("Expected an actionable error message")
		}
	})

	t.Run("invalid email address is rejected", func(t *testing.T) {
		rec := doRequest(t, api.config.SaveConfig, http.MethodPost, "/api/v1/mailbox/config", userEmail,
			models.MailboxConfigRequest{EmailAddress: "not-an-address", Password: "x"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestConversationsRoute(t *testing.T) {
	api := newTestAPI(t)
	route := api.conversations.Route(api.send, api.attachments)
	userEmail := "route-test@testmail.local"
	ctx := context.Background()

	userID := testutil.CreateTestUser(t, api.pool, userEmail)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	headerID := "<route-1@example.com>"
	body := "Please find the report attached."
	msg := &models.Message{
		UserID:          userID,
		Direction:       models.DirectionReceived,
		SenderEmail:     "alice@example.com",
		ToEmails:        []string{userEmail},
		CCEmails:        []string{},
		BCCEmails:       []string{},
		Subject:         "Quarterly report",
		BodyText:        &body,
		SentAt:          base,
		DeliveredAt:     base,
		MessageIDHeader: &headerID,
		HasAttachments:  true,
	}
	outcome, err := api.engine.Ingest(ctx, msg, []normalizer.Attachment{{
		Meta: models.Attachment{
			FileName:    "report.csv",
			ContentType: "text/csv",
			SizeBytes:   9,
		},
		Content: []byte("a,b\n1,2\n"),
	}}, nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	conversationID := outcome.ConversationID

	t.Run("lists conversations", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodGet, "/api/v1/conversations?unread=true", userEmail, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp models.ConversationListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Total != 1 || len(resp.Conversations) != 1 {
			t.Fatalf("Expected 1 conversation, got total=%d len=%d", resp.Total, len(resp.Conversations))
		}
		if resp.Conversations[0].Subject != "Quarterly report" {
			t.Errorf("Unexpected subject %q", resp.Conversations[0].Subject)
		}
	})

	t.Run("gets a conversation with its messages", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodGet, "/api/v1/conversations/"+conversationID, userEmail, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var conv models.Conversation
		if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(conv.Messages) != 1 {
			t.Fatalf("Expected 1 message, got %d", len(conv.Messages))
		}
		if len(conv.Messages[0].Attachments) != 1 {
			t.Errorf("Expected attachment metadata on the message")
		}
	})

	t.Run("marks a conversation read", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost, "/api/v1/conversations/"+conversationID+"/read", userEmail, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		rec = doRequest(t, route, http.MethodGet, "/api/v1/conversations?unread=true", userEmail, nil)
		var resp models.ConversationListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Total != 0 {
			t.Errorf("Expected no unread conversations after marking read, got %d", resp.Total)
		}
	})

	t.Run("downloads an attachment", func(t *testing.T) {
		messages, err := db.GetMessagesForConversation(ctx, api.pool, userID, conversationID)
		if err != nil {
			t.Fatalf("Failed to load messages: %v", err)
		}
		if len(messages) != 1 || len(messages[0].Attachments) != 1 {
			t.Fatal("Expected one message with one attachment")
		}
		attachmentID := messages[0].Attachments[0].ID

		rec := doRequest(t, route, http.MethodGet,
			"/api/v1/conversations/"+conversationID+"/attachments/"+attachmentID, userEmail, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Content-Type"); got != "text/csv" {
			t.Errorf("Content-Type = %q", got)
		}
		if rec.Body.String() != "a,b\n1,2\n" {
			t.Errorf("Unexpected attachment body %q", rec.Body.String())
		}
	})

	t.Run("reply without a configured mailbox is rejected", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost,
			"/api/v1/conversations/"+conversationID+"/reply", userEmail,
			models.SendRequest{Body: "On it."})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 without mailbox credentials, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown action returns 404", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost,
			"/api/v1/conversations/"+conversationID+"/frobnicate", userEmail, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	t.Run("missing conversation returns 404", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodGet,
			"/api/v1/conversations/00000000-0000-0000-0000-000000000000", userEmail, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	t.Run("other users cannot see the conversation", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodGet,
			"/api/v1/conversations/"+conversationID, "someone-else@testmail.local", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for another user, got %d", rec.Code)
		}
	})
}

func TestSendReply(t *testing.T) {
	api := newTestAPI(t)
	smtpServer := testutil.NewTestSMTPServer(t)
	route := api.conversations.Route(api.send, api.attachments)
	userEmail := "sender-test@testmail.local"
	ctx := context.Background()

	userID := testutil.CreateTestUser(t, api.pool, userEmail)
	testutil.SaveTestCredentials(t, api.pool, api.encryptor, userID, userEmail, nil, smtpServer, "secret")

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	headerID := "<send-root@example.com>"
	body := "Can you send over the contract?"
	inbound := &models.Message{
		UserID:          userID,
		Direction:       models.DirectionReceived,
		SenderEmail:     "alice@example.com",
		ToEmails:        []string{userEmail},
		CCEmails:        []string{},
		BCCEmails:       []string{},
		Subject:         "Contract",
		BodyText:        &body,
		SentAt:          base,
		DeliveredAt:     base,
		MessageIDHeader: &headerID,
	}
	outcome, err := api.engine.Ingest(ctx, inbound, nil, nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	t.Run("reply goes to the latest sender with threading headers", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost,
			"/api/v1/conversations/"+outcome.ConversationID+"/reply", userEmail,
			models.SendRequest{Body: "Attached, see below."})
		if rec.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var sent models.Message
		if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if sent.Direction != models.DirectionSent {
			t.Errorf("Expected sent direction, got %s", sent.Direction)
		}
		if sent.ConversationID != outcome.ConversationID {
			t.Errorf("Expected reply recorded in the same conversation")
		}
		if sent.InReplyTo == nil || *sent.InReplyTo != headerID {
			t.Errorf("Expected In-Reply-To %q, got %v", headerID, sent.InReplyTo)
		}
		if !sent.IsRead {
			t.Error("Expected an outbound message to be born read")
		}

		relayed := smtpServer.Messages()
		if len(relayed) != 1 {
			t.Fatalf("Expected 1 relayed message, got %d", len(relayed))
		}
		if len(relayed[0].To) != 1 || relayed[0].To[0] != "alice@example.com" {
			t.Errorf("Expected reply addressed to the sender, got %v", relayed[0].To)
		}
		if !bytes.Contains(relayed[0].Data, []byte("Re: Contract")) {
			t.Error("Expected the relayed message to carry the Re: subject")
		}
	})

	t.Run("forward requires explicit recipients", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost,
			"/api/v1/conversations/"+outcome.ConversationID+"/forward", userEmail,
			models.SendRequest{Body: "FYI."})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("forward with recipients is relayed", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost,
			"/api/v1/conversations/"+outcome.ConversationID+"/forward", userEmail,
			models.SendRequest{Body: "FYI.", To: []string{"carol@example.com"}})
		if rec.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		relayed := smtpServer.Messages()
		last := relayed[len(relayed)-1]
		if len(last.To) != 1 || last.To[0] != "carol@example.com" {
			t.Errorf("Expected forward addressed to carol, got %v", last.To)
		}
		if !bytes.Contains(last.Data, []byte("Fwd: Contract")) {
			t.Error("Expected the relayed message to carry the Fwd: subject")
		}
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		rec := doRequest(t, route, http.MethodPost,
			"/api/v1/conversations/"+outcome.ConversationID+"/reply", userEmail,
			models.SendRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestProvidersHandler(t *testing.T) {
	api := newTestAPI(t)
	userEmail := "providers-test@testmail.local"

	t.Run("lists the seeded defaults", func(t *testing.T) {
		rec := doRequest(t, api.providers.Handle, http.MethodGet, "/api/v1/providers", userEmail, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var providers []*models.ProviderDefaults
		if err := json.Unmarshal(rec.Body.Bytes(), &providers); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(providers) == 0 {
			t.Fatal("Expected the migration-seeded provider defaults")
		}
	})

	t.Run("saves new defaults with port and security fallbacks", func(t *testing.T) {
		rec := doRequest(t, api.providers.Handle, http.MethodPost, "/api/v1/providers", userEmail,
			models.ProviderDefaults{
				Domain:   "corp.example",
				Label:    "Corp Mail",
				IMAPHost: "mail.corp.example",
				SMTPHost: "mail.corp.example",
			})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var saved models.ProviderDefaults
		if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if saved.IMAPPort != 993 || saved.SMTPPort != 465 {
			t.Errorf("Expected default ports, got imap=%d smtp=%d", saved.IMAPPort, saved.SMTPPort)
		}
		if saved.IMAPSecurity != "ssl" || saved.SMTPSecurity != "ssl" {
			t.Errorf("Expected ssl security defaults, got %q/%q", saved.IMAPSecurity, saved.SMTPSecurity)
		}
	})

	t.Run("rejects incomplete defaults", func(t *testing.T) {
		rec := doRequest(t, api.providers.Handle, http.MethodPost, "/api/v1/providers", userEmail,
			models.ProviderDefaults{Domain: "broken.example"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}
