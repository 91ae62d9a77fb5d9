package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/crypto"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/imap"
	"github.com/stackcrm/mailsync/internal/models"
	"github.com/stackcrm/mailsync/internal/provider"
	"github.com/stackcrm/mailsync/internal/syncer"
)

// ConfigHandler handles mailbox configuration: read, save, test, and manual
// sync triggers.
type ConfigHandler struct {
	pool         *pgxpool.Pool
	encryptor    *crypto.Encryptor
	resolver     *provider.Resolver
	orchestrator *syncer.Orchestrator
	log          *zap.Logger
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(pool *pgxpool.Pool, encryptor *crypto.Encryptor, resolver *provider.Resolver, orchestrator *syncer.Orchestrator, log *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		pool:         pool,
		encryptor:    encryptor,
		resolver:     resolver,
		orchestrator: orchestrator,
		log:          log,
	}
}

// GetConfig returns the mailbox configuration summary. The credential itself
// is never part of any read path, only a configured flag.
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	creds, err := db.GetCredentials(ctx, h.pool, userID)
	if errors.Is(err, db.ErrCredentialsNotFound) {
		WriteJSON(w, h.log, http.StatusOK, models.MailboxConfigResponse{
			Configured: false,
			SyncStatus: models.SyncStatusUnconfigured,
		})
		return
	}
	if err != nil {
		h.log.Error("config: failed to get credentials", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := models.MailboxConfigResponse{
		Configured:    true,
		EmailAddress:  creds.EmailAddress,
		IMAPHost:      creds.IMAPHost,
		IMAPPort:      creds.IMAPPort,
		SMTPHost:      creds.SMTPHost,
		SMTPPort:      creds.SMTPPort,
		SyncStatus:    creds.SyncStatus,
		LastSyncedAt:  creds.LastSyncedAt,
		LastSyncError: creds.LastSyncError,
	}

	if domain, err := provider.DomainOf(creds.EmailAddress); err == nil {
		if defaults, err := db.GetProviderDefaults(ctx, h.pool, domain); err == nil {
			response.Provider = defaults
		}
	}

	WriteJSON(w, h.log, http.StatusOK, response)
}

// SaveConfig stores mailbox credentials. Host fields left empty are filled
// from provider defaults; an empty password preserves the stored one. Saving
// resets the sync state and kicks off a fresh sync.
func (h *ConfigHandler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var req models.MailboxConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	creds, status, err := h.buildCredentials(r, userID, &req)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	if err := db.SaveCredentials(ctx, h.pool, creds); err != nil {
		h.log.Error("config: failed to save credentials", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.orchestrator.TriggerSync(userID)

	WriteJSON(w, h.log, http.StatusOK, struct {
		Success bool `json:"success"`
	}{Success: true})
}

// TestConfig verifies a credential against the mail store without persisting
// anything.
func (h *ConfigHandler) TestConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var req models.MailboxConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	creds, status, err := h.buildCredentials(r, userID, &req)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	password, err := h.encryptor.Decrypt(creds.EncryptedPassword)
	if err != nil {
		h.log.Error("config: failed to decrypt password for test", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	testErr := syncer.TestConnection(imap.Endpoint{
		Host:     creds.IMAPHost,
		Port:     creds.IMAPPort,
		Security: creds.IMAPSecurity,
		Username: creds.EmailAddress,
		Password: password,
	})

	response := struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}{Success: testErr == nil}

	var authErr *imap.AuthError
	var netErr *imap.NetworkError
	switch {
	case testErr == nil:
	case errors.As(testErr, &authErr):
		response.Error = "Authentication failed. Check your email address and password."
	case errors.As(testErr, &netErr):
		response.Error = "Could not reach the mail server. Check the host and port."
	default:
		response.Error = testErr.Error()
	}

	WriteJSON(w, h.log, http.StatusOK, response)
}

// TriggerSync starts a sync run for the user. Idempotent: a run already in
// flight absorbs the request.
func (h *ConfigHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	if _, err := db.GetCredentials(ctx, h.pool, userID); errors.Is(err, db.ErrCredentialsNotFound) {
		http.Error(w, "Mailbox is not configured", http.StatusBadRequest)
		return
	} else if err != nil {
		h.log.Error("config: failed to get credentials", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.orchestrator.TriggerSync(userID)

	WriteJSON(w, h.log, http.StatusAccepted, struct {
		Success bool `json:"success"`
	}{Success: true})
}

// buildCredentials assembles a full credential record from the request,
// resolving missing host fields from provider defaults and preserving the
// stored password when the request leaves it empty.
func (h *ConfigHandler) buildCredentials(r *http.Request, userID string, req *models.MailboxConfigRequest) (*models.MailboxCredentials, int, error) {
	ctx := r.Context()

	if req.EmailAddress == "" {
		return nil, http.StatusBadRequest, errors.New("email_address is required")
	}

	settings, err := h.resolver.Resolve(ctx, req.EmailAddress)
	if err != nil {
		var cfgErr *provider.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, http.StatusBadRequest, err
		}
		h.log.Error("config: failed to resolve provider", zap.Error(err))
		return nil, http.StatusInternalServerError, errors.New("internal server error")
	}

	creds := &models.MailboxCredentials{
		UserID:       userID,
		EmailAddress: req.EmailAddress,
		IMAPHost:     settings.IMAPHost,
		IMAPPort:     settings.IMAPPort,
		IMAPSecurity: settings.IMAPSecurity,
		SMTPHost:     settings.SMTPHost,
		SMTPPort:     settings.SMTPPort,
		SMTPSecurity: settings.SMTPSecurity,
	}

	// Explicit host settings win over resolved defaults.
	if req.IMAPHost != "" {
		creds.IMAPHost = req.IMAPHost
	}
	if req.IMAPPort != 0 {
		creds.IMAPPort = req.IMAPPort
	}
	if req.IMAPSecurity != "" {
		creds.IMAPSecurity = req.IMAPSecurity
	}
	if req.SMTPHost != "" {
		creds.SMTPHost = req.SMTPHost
	}
	if req.SMTPPort != 0 {
		creds.SMTPPort = req.SMTPPort
	}
	if req.SMTPSecurity != "" {
		creds.SMTPSecurity = req.SMTPSecurity
	}

	if req.Password == "" {
		existing, err := db.GetCredentials(ctx, h.pool, userID)
		if errors.Is(err, db.ErrCredentialsNotFound) {
			return nil, http.StatusBadRequest, errors.New("password is required for initial setup")
		}
		if err != nil {
			h.log.Error("config: failed to get existing credentials", zap.Error(err))
			return nil, http.StatusInternalServerError, errors.New("internal server error")
		}
		creds.EncryptedPassword = existing.EncryptedPassword
	} else {
		encrypted, err := h.encryptor.Encrypt(req.Password)
		if err != nil {
			h.log.Error("config: failed to encrypt password", zap.Error(err))
			return nil, http.StatusInternalServerError, errors.New("internal server error")
		}
		creds.EncryptedPassword = encrypted
	}

	return creds, http.StatusOK, nil
}
