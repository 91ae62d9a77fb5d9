package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/imap"
)

// idleRetrySleep is the backoff after an IDLE connection drops or cannot be
// established.
const idleRetrySleep = 10 * time.Second

// StartScheduler runs background sync ticks for every configured user until
// the context is canceled. A tick and a manual trigger for the same user
// collapse into a single run through the per-user in-flight guard.
func (o *Orchestrator) StartScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("sync scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			userIDs, err := db.ListUserIDsWithCredentials(ctx, o.pool)
			if err != nil {
				o.log.Error("scheduler: failed to list users", zap.Error(err))
				continue
			}
			for _, userID := range userIDs {
				o.TriggerSync(userID)
			}
		}
	}
}

// StartIdleListener keeps an IMAP IDLE connection open for the user and
// triggers a sync run whenever the server reports INBOX activity. It blocks
// until the context is canceled. While the user has no open WebSocket
// connection the listener sleeps instead of holding a mailbox connection.
func (o *Orchestrator) StartIdleListener(ctx context.Context, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if o.hub != nil && o.hub.ActiveConnections(userID) == 0 {
			sleepOrDone(ctx, idleRetrySleep)
			continue
		}

		if err := o.runIdleOnce(ctx, userID); err != nil {
			o.log.Debug("idle listener stopped", zap.String("user_id", userID), zap.Error(err))
		}

		sleepOrDone(ctx, idleRetrySleep)
	}
}

func (o *Orchestrator) runIdleOnce(ctx context.Context, userID string) error {
	creds, err := db.GetCredentials(ctx, o.pool, userID)
	if err != nil {
		return err
	}

	password, err := o.encryptor.Decrypt(creds.EncryptedPassword)
	if err != nil {
		return err
	}

	session, err := imap.Connect(imap.Endpoint{
		Host:     creds.IMAPHost,
		Port:     creds.IMAPPort,
		Security: creds.IMAPSecurity,
		Username: creds.EmailAddress,
		Password: password,
		Timeout:  o.connectTimeout,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	return session.RunIdle(ctx, o.log, func() {
		o.TriggerSync(userID)
	})
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
