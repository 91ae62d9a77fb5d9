package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/api"
	"github.com/stackcrm/mailsync/internal/auth"
	"github.com/stackcrm/mailsync/internal/config"
	"github.com/stackcrm/mailsync/internal/crypto"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/logger"
	"github.com/stackcrm/mailsync/internal/provider"
	"github.com/stackcrm/mailsync/internal/syncer"
	"github.com/stackcrm/mailsync/internal/threading"
	"github.com/stackcrm/mailsync/internal/ws"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.CloseConnection(pool)

	zlog.Info("connected to database",
		zap.String("host", cfg.DBHost), zap.String("database", cfg.DBName))

	server, orchestrator := NewServer(cfg, pool, zlog)

	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	go orchestrator.StartScheduler(schedulerCtx, time.Duration(cfg.SyncIntervalSeconds)*time.Second)

	address := ":" + cfg.Port
	zlog.Info("mailsync server starting",
		zap.String("address", address), zap.String("environment", cfg.Environment))

	if err := http.ListenAndServe(address, server); err != nil {
		zlog.Fatal("Server failed to start", zap.Error(err))
	}
}

// NewServer wires the full handler graph and returns the HTTP handler plus
// the sync orchestrator so the caller can start the scheduler.
func NewServer(cfg *config.Config, dbPool *pgxpool.Pool, zlog *zap.Logger) (http.Handler, *syncer.Orchestrator) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		zlog.Fatal("Failed to create encryptor", zap.Error(err))
	}

	resolver := provider.NewResolver(dbPool)
	engine := threading.NewEngine(dbPool, zlog)
	hub := ws.NewHub(10, zlog)
	orchestrator := syncer.New(dbPool, encryptor, engine, hub, zlog, syncer.Options{
		PageSize:       cfg.SyncPageSize,
		MaxAttempts:    cfg.SyncMaxAttempts,
		InitialBackoff: time.Duration(cfg.SyncBackoffMillis) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
	})

	configHandler := api.NewConfigHandler(dbPool, encryptor, resolver, orchestrator, zlog)
	providersHandler := api.NewProvidersHandler(dbPool, zlog)
	conversationsHandler := api.NewConversationsHandler(dbPool, zlog)
	sendHandler := api.NewSendHandler(dbPool, encryptor, engine, zlog)
	attachmentsHandler := api.NewAttachmentsHandler(dbPool, zlog)
	wsHandler := api.NewWebSocketHandler(dbPool, orchestrator, hub, zlog)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/v1/mailbox/config", auth.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			configHandler.GetConfig(w, r)
		case http.MethodPost:
			configHandler.SaveConfig(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))
	mux.Handle("/api/v1/mailbox/test", auth.RequireIdentity(requirePost(configHandler.TestConfig)))
	mux.Handle("/api/v1/mailbox/sync", auth.RequireIdentity(requirePost(configHandler.TriggerSync)))
	mux.Handle("/api/v1/providers", auth.RequireIdentity(http.HandlerFunc(providersHandler.Handle)))
	mux.Handle("/api/v1/conversations", auth.RequireIdentity(conversationsHandler.Route(sendHandler, attachmentsHandler)))
	mux.Handle("/api/v1/conversations/", auth.RequireIdentity(conversationsHandler.Route(sendHandler, attachmentsHandler)))
	mux.Handle("/api/v1/ws", auth.RequireIdentity(http.HandlerFunc(wsHandler.Handle)))

	return mux, orchestrator
}

func requirePost(handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	})
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailsync API is running")
}
