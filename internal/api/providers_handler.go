package api

import (
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/models"
)

// ProvidersHandler exposes the provider defaults reference data.
type ProvidersHandler struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewProvidersHandler creates a ProvidersHandler.
func NewProvidersHandler(pool *pgxpool.Pool, log *zap.Logger) *ProvidersHandler {
	return &ProvidersHandler{pool: pool, log: log}
}

// Handle serves GET (list) and POST (upsert) on /api/v1/providers.
func (h *ProvidersHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.save(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ProvidersHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := GetUserIDFromContext(ctx, w, h.pool, h.log); !ok {
		return
	}

	providers, err := db.ListProviderDefaults(ctx, h.pool)
	if err != nil {
		h.log.Error("providers: failed to list", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if providers == nil {
		providers = []*models.ProviderDefaults{}
	}

	WriteJSON(w, h.log, http.StatusOK, providers)
}

func (h *ProvidersHandler) save(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := GetUserIDFromContext(ctx, w, h.pool, h.log); !ok {
		return
	}

	var p models.ProviderDefaults
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if p.Domain == "" || p.IMAPHost == "" || p.SMTPHost == "" {
		http.Error(w, "domain, imap_host and smtp_host are required", http.StatusBadRequest)
		return
	}
	if p.IMAPPort == 0 {
		p.IMAPPort = 993
	}
	if p.SMTPPort == 0 {
		p.SMTPPort = 465
	}
	if p.IMAPSecurity == "" {
		p.IMAPSecurity = "ssl"
	}
	if p.SMTPSecurity == "" {
		p.SMTPSecurity = "ssl"
	}

	if err := db.SaveProviderDefaults(ctx, h.pool, &p); err != nil {
		h.log.Error("providers: failed to save", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, h.log, http.StatusOK, &p)
}
