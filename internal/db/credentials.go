package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackcrm/mailsync/internal/models"
)

// ErrCredentialsNotFound is returned when a user has no mailbox configured.
var ErrCredentialsNotFound = errors.New("mailbox credentials not found")

// GetCredentials returns the mailbox credentials and sync state for a user.
func GetCredentials(ctx context.Context, pool *pgxpool.Pool, userID string) (*models.MailboxCredentials, error) {
	var creds models.MailboxCredentials

	err := pool.QueryRow(ctx, `
		SELECT user_id, email_address,
		       imap_host, imap_port, imap_security,
		       smtp_host, smtp_port, smtp_security,
		       encrypted_password,
		       sync_status, last_synced_at, last_sync_error, sync_cursor,
		       created_at, updated_at
		FROM email_credentials
		WHERE user_id = $1
	`, userID).Scan(
		&creds.UserID,
		&creds.EmailAddress,
		&creds.IMAPHost,
		&creds.IMAPPort,
		&creds.IMAPSecurity,
		&creds.SMTPHost,
		&creds.SMTPPort,
		&creds.SMTPSecurity,
		&creds.EncryptedPassword,
		&creds.SyncStatus,
		&creds.LastSyncedAt,
		&creds.LastSyncError,
		&creds.SyncCursor,
		&creds.CreatedAt,
		&creds.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialsNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &creds, nil
}

// SaveCredentials inserts or replaces a user's mailbox credentials.
// A credential change resets the sync state: cursor and last error are
// cleared so the next run starts from scratch against the new account.
func SaveCredentials(ctx context.Context, pool *pgxpool.Pool, creds *models.MailboxCredentials) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO email_credentials (
			user_id, email_address,
			imap_host, imap_port, imap_security,
			smtp_host, smtp_port, smtp_security,
			encrypted_password, sync_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			email_address = EXCLUDED.email_address,
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_security = EXCLUDED.imap_security,
			smtp_host = EXCLUDED.smtp_host,
			smtp_port = EXCLUDED.smtp_port,
			smtp_security = EXCLUDED.smtp_security,
			encrypted_password = EXCLUDED.encrypted_password,
			sync_status = EXCLUDED.sync_status,
			last_sync_error = NULL,
			sync_cursor = NULL,
			updated_at = now()
	`, creds.UserID, creds.EmailAddress,
		creds.IMAPHost, creds.IMAPPort, creds.IMAPSecurity,
		creds.SMTPHost, creds.SMTPPort, creds.SMTPSecurity,
		creds.EncryptedPassword, models.SyncStatusUnconfigured)

	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// TransitionSyncStatus moves the sync status to the given state, but only if
// the current status is one of the allowed source states. Returns true if the
// transition was applied. This is the compare-and-swap that keeps the state
// machine honest even if two processes race.
func TransitionSyncStatus(ctx context.Context, pool *pgxpool.Pool, userID, to string, from ...string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE email_credentials
		SET sync_status = $2, updated_at = now()
		WHERE user_id = $1 AND sync_status = ANY($3)
	`, userID, to, from)

	if err != nil {
		return false, fmt.Errorf("failed to transition sync status: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// SetSyncError records a failed sync run. The cursor is left untouched so the
// next run resumes from the same watermark.
func SetSyncError(ctx context.Context, pool *pgxpool.Pool, userID, message string) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_credentials
		SET sync_status = $2, last_sync_error = $3, updated_at = now()
		WHERE user_id = $1
	`, userID, models.SyncStatusError, message)

	if err != nil {
		return fmt.Errorf("failed to set sync error: %w", err)
	}

	return nil
}

// AdvanceSyncCursor persists the resume cursor after a durably ingested page.
// The cursor only moves forward.
func AdvanceSyncCursor(ctx context.Context, pool *pgxpool.Pool, userID string, cursor int64) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_credentials
		SET sync_cursor = GREATEST(COALESCE(sync_cursor, 0), $2), updated_at = now()
		WHERE user_id = $1
	`, userID, cursor)

	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}

	return nil
}

// CompleteSyncRun marks a sync run as finished: status connected, success
// timestamp refreshed, any previous error cleared.
func CompleteSyncRun(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_credentials
		SET sync_status = $2, last_synced_at = now(), last_sync_error = NULL, updated_at = now()
		WHERE user_id = $1
	`, userID, models.SyncStatusConnected)

	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}

	return nil
}
