package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/crypto"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/imap"
	"github.com/stackcrm/mailsync/internal/metrics"
	"github.com/stackcrm/mailsync/internal/models"
	"github.com/stackcrm/mailsync/internal/normalizer"
	"github.com/stackcrm/mailsync/internal/threading"
	"github.com/stackcrm/mailsync/internal/ws"
)

// allStatuses lets a sync run take over from any previous state, including
// stale connecting/syncing left behind by a crashed process.
var allStatuses = []string{
	models.SyncStatusUnconfigured,
	models.SyncStatusConnecting,
	models.SyncStatusSyncing,
	models.SyncStatusConnected,
	models.SyncStatusError,
}

// Orchestrator owns the sync state machine. It serializes sync runs per user,
// applies retry with backoff on transient failures, and is the only writer of
// sync status.
type Orchestrator struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	engine    *threading.Engine
	hub       *ws.Hub
	log       *zap.Logger

	pageSize       int
	maxAttempts    int
	initialBackoff time.Duration
	connectTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
}

// Options tunes the orchestrator. Zero values fall back to sane defaults.
type Options struct {
	PageSize       int
	MaxAttempts    int
	InitialBackoff time.Duration
	ConnectTimeout time.Duration
}

// New creates a sync orchestrator. The hub may be nil when no UI push is
// wanted (tests).
func New(pool *pgxpool.Pool, encryptor *crypto.Encryptor, engine *threading.Engine, hub *ws.Hub, log *zap.Logger, opts Options) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	return &Orchestrator{
		pool:           pool,
		encryptor:      encryptor,
		engine:         engine,
		hub:            hub,
		log:            log,
		pageSize:       opts.PageSize,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		connectTimeout: opts.ConnectTimeout,
		inFlight:       make(map[string]bool),
	}
}

// TriggerSync starts a sync run in the background. A second trigger while a
// run for the same user is in flight is a no-op.
func (o *Orchestrator) TriggerSync(userID string) {
	go func() {
		if err := o.RunSync(context.Background(), userID); err != nil {
			o.log.Warn("sync run failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
}

// RunSync performs one full sync run for the user: connect, fetch pages,
// normalize, thread, persist, advance the cursor. At most one run per user is
// ever in flight; overlapping calls return immediately.
func (o *Orchestrator) RunSync(ctx context.Context, userID string) error {
	if !o.acquire(userID) {
		o.log.Debug("sync already in flight, skipping", zap.String("user_id", userID))
		return nil
	}
	defer o.release(userID)

	start := time.Now()

	creds, err := db.GetCredentials(ctx, o.pool, userID)
	if errors.Is(err, db.ErrCredentialsNotFound) {
		// Nothing configured; there is no state machine to run.
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := db.TransitionSyncStatus(ctx, o.pool, userID, models.SyncStatusConnecting, allStatuses...); err != nil {
		return err
	}
	o.notifyStatus(userID, models.SyncStatusConnecting)

	password, err := o.encryptor.Decrypt(creds.EncryptedPassword)
	if err != nil {
		return o.fail(ctx, userID, start, "Stored credential could not be decrypted. Please reconnect your account.", err)
	}

	session, err := o.connectWithRetry(ctx, creds, password)
	if err != nil {
		var authErr *imap.AuthError
		if errors.As(err, &authErr) {
			return o.fail(ctx, userID, start, "Authentication failed. Please reconnect your account.", err)
		}
		return o.fail(ctx, userID, start, "Could not reach the mail server. Please try again later.", err)
	}
	defer session.Close()

	if _, err := db.TransitionSyncStatus(ctx, o.pool, userID, models.SyncStatusSyncing, allStatuses...); err != nil {
		return err
	}
	o.notifyStatus(userID, models.SyncStatusSyncing)

	newMessages, err := o.fetchAndIngest(ctx, session, creds)
	if err != nil {
		return o.fail(ctx, userID, start, "Synchronization failed. Please try again later.", err)
	}

	if err := db.CompleteSyncRun(ctx, o.pool, userID); err != nil {
		return err
	}

	metrics.RecordSyncRun(models.SyncStatusConnected, time.Since(start))
	o.notifyStatus(userID, models.SyncStatusConnected)
	if newMessages > 0 && o.hub != nil {
		o.hub.Notify(userID, ws.Event{Type: "new_messages", NewMessages: newMessages})
	}

	o.log.Info("sync run completed",
		zap.String("user_id", userID),
		zap.Int("new_messages", newMessages),
		zap.Duration("duration", time.Since(start)))

	return nil
}

// connectWithRetry opens the IMAP session, retrying transient network
// failures with exponential backoff. Auth failures are terminal immediately,
// and a canceled context cuts the backoff short.
func (o *Orchestrator) connectWithRetry(ctx context.Context, creds *models.MailboxCredentials, password string) (*imap.Session, error) {
	endpoint := imap.Endpoint{
		Host:     creds.IMAPHost,
		Port:     creds.IMAPPort,
		Security: creds.IMAPSecurity,
		Username: creds.EmailAddress,
		Password: password,
		Timeout:  o.connectTimeout,
	}

	backoff := o.initialBackoff
	for attempt := 1; ; attempt++ {
		session, err := imap.Connect(endpoint)
		if err == nil {
			return session, nil
		}

		var netErr *imap.NetworkError
		if !errors.As(err, &netErr) || attempt >= o.maxAttempts {
			return nil, err
		}

		o.log.Warn("connect failed, retrying",
			zap.String("user_id", creds.UserID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// fetchAndIngest pages through the mailbox from the stored cursor. Each page
// is ingested in ascending sent_at order and the cursor is persisted only
// after the page is durably stored, so a crash resumes without loss.
func (o *Orchestrator) fetchAndIngest(ctx context.Context, session *imap.Session, creds *models.MailboxCredentials) (int, error) {
	var cursor int64
	if creds.SyncCursor != nil {
		cursor = *creds.SyncCursor
	}

	newMessages := 0
	for {
		batch, nextCursor, hasMore, err := session.FetchSince(cursor, o.pageSize)
		if err != nil {
			return newMessages, err
		}

		if len(batch) > 0 {
			stored, err := o.ingestPage(ctx, creds, batch)
			if err != nil {
				return newMessages, err
			}
			newMessages += stored
		}

		if nextCursor > cursor {
			if err := db.AdvanceSyncCursor(ctx, o.pool, creds.UserID, nextCursor); err != nil {
				return newMessages, err
			}
			cursor = nextCursor
		}

		if !hasMore {
			return newMessages, nil
		}
	}
}

// ingestPage normalizes and ingests one fetched page. A malformed message is
// logged and skipped; it never aborts the batch.
func (o *Orchestrator) ingestPage(ctx context.Context, creds *models.MailboxCredentials, batch []imap.RawMessage) (int, error) {
	results := make([]*normalizer.Result, 0, len(batch))
	for _, raw := range batch {
		result, err := normalizer.Normalize(raw, creds.EmailAddress)
		if err != nil {
			o.log.Warn("skipping malformed message",
				zap.String("user_id", creds.UserID),
				zap.Uint32("uid", raw.UID),
				zap.Error(err))
			metrics.IncrementMessagesIngested("parse_error")
			continue
		}
		result.Message.UserID = creds.UserID
		results = append(results, result)
	}

	// Ingest in ascending sent_at order so latest_message_at only moves
	// forward within a run.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Message.SentAt.Before(results[j].Message.SentAt)
	})

	stored := 0
	for _, result := range results {
		outcome, err := o.engine.Ingest(ctx, result.Message, result.Attachments, nil)
		if err != nil {
			return stored, err
		}
		if outcome.Duplicate {
			metrics.IncrementMessagesIngested("duplicate")
		} else {
			metrics.IncrementMessagesIngested("stored")
			stored++
		}
	}

	return stored, nil
}

// fail records a failed run: status error with a user-actionable message,
// cursor untouched so the next run resumes from the same watermark.
func (o *Orchestrator) fail(ctx context.Context, userID string, start time.Time, userMessage string, cause error) error {
	if err := db.SetSyncError(ctx, o.pool, userID, userMessage); err != nil {
		o.log.Error("failed to record sync error", zap.String("user_id", userID), zap.Error(err))
	}

	metrics.RecordSyncRun(models.SyncStatusError, time.Since(start))
	o.notifyStatus(userID, models.SyncStatusError)

	o.log.Warn("sync run failed",
		zap.String("user_id", userID),
		zap.String("user_message", userMessage),
		zap.Error(cause))

	return cause
}

func (o *Orchestrator) notifyStatus(userID, status string) {
	if o.hub == nil {
		return
	}
	o.hub.Notify(userID, ws.Event{Type: "sync_status", SyncStatus: status})
}

func (o *Orchestrator) acquire(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inFlight[userID] {
		return false
	}
	o.inFlight[userID] = true
	return true
}

func (o *Orchestrator) release(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, userID)
}

// TestConnection verifies a credential against the mail store without
// persisting anything. The returned error is an *imap.AuthError or
// *imap.NetworkError for the caller to classify.
func TestConnection(ep imap.Endpoint) error {
	session, err := imap.Connect(ep)
	if err != nil {
		return err
	}
	session.Close()
	return nil
}
