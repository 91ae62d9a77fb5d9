package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SaveContact upserts a CRM contact email for a user. The CRUD layer owns
// contacts; this exists so the core (and its tests) can seed the
// email-to-entity mapping used for auto-linking.
func SaveContact(ctx context.Context, pool *pgxpool.Pool, userID, email, name string, entityID *string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO contacts (user_id, email, name, entity_id)
		VALUES ($1, lower($2), $3, $4)
		ON CONFLICT (user_id, email) DO UPDATE SET
			name = EXCLUDED.name,
			entity_id = EXCLUDED.entity_id
	`, userID, email, name, entityID)

	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}

	return nil
}

// FindEntityIDByEmails returns the linked CRM entity for the first contact
// matching any of the given emails (already lowercased), or nil when none of
// them is a known contact.
func FindEntityIDByEmails(ctx context.Context, pool *pgxpool.Pool, userID string, emails []string) (*string, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	var entityID *string
	err := pool.QueryRow(ctx, `
		SELECT entity_id
		FROM contacts
		WHERE user_id = $1 AND email = ANY($2) AND entity_id IS NOT NULL
		ORDER BY email
		LIMIT 1
	`, userID, emails).Scan(&entityID)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find entity by email: %w", err)
	}

	return entityID, nil
}
