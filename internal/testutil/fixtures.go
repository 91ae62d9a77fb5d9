package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackcrm/mailsync/internal/crypto"
	"github.com/stackcrm/mailsync/internal/db"
	"github.com/stackcrm/mailsync/internal/models"
)

// NewTestEncryptor creates an Encryptor with a fresh random key.
func NewTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	encryptor, err := crypto.NewEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	return encryptor
}

// CreateTestUser inserts a user and returns its ID.
func CreateTestUser(t *testing.T, pool *pgxpool.Pool, email string) string {
	t.Helper()

	userID, err := db.GetOrCreateUser(context.Background(), pool, email)
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	return userID
}

// SaveTestCredentials stores mailbox credentials pointing at the given test
// servers, with the password encrypted the same way production does it.
func SaveTestCredentials(t *testing.T, pool *pgxpool.Pool, encryptor *crypto.Encryptor, userID, emailAddress string, imapServer *TestIMAPServer, smtpServer *TestSMTPServer, password string) {
	t.Helper()

	encrypted, err := encryptor.Encrypt(password)
	if err != nil {
		t.Fatalf("Failed to encrypt password: %v", err)
	}

	creds := &models.MailboxCredentials{
		UserID:            userID,
		EmailAddress:      emailAddress,
		IMAPSecurity:      "insecure",
		SMTPSecurity:      "insecure",
		EncryptedPassword: encrypted,
	}
	if imapServer != nil {
		creds.IMAPHost = imapServer.Host
		creds.IMAPPort = imapServer.Port
	}
	if smtpServer != nil {
		creds.SMTPHost = smtpServer.Host
		creds.SMTPPort = smtpServer.Port
	}

	if err := db.SaveCredentials(context.Background(), pool, creds); err != nil {
		t.Fatalf("Failed to save credentials: %v", err)
	}
}
