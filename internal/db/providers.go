package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackcrm/mailsync/internal/models"
)

// ErrProviderNotFound is returned when no provider defaults exist for a domain.
var ErrProviderNotFound = errors.New("provider defaults not found")

// GetProviderDefaults returns the admin-defined provider defaults for a domain.
func GetProviderDefaults(ctx context.Context, pool *pgxpool.Pool, domain string) (*models.ProviderDefaults, error) {
	var p models.ProviderDefaults

	err := pool.QueryRow(ctx, `
		SELECT domain, label,
		       imap_host, imap_port, imap_security,
		       smtp_host, smtp_port, smtp_security,
		       requires_app_password
		FROM provider_defaults
		WHERE domain = $1
	`, domain).Scan(
		&p.Domain,
		&p.Label,
		&p.IMAPHost,
		&p.IMAPPort,
		&p.IMAPSecurity,
		&p.SMTPHost,
		&p.SMTPPort,
		&p.SMTPSecurity,
		&p.RequiresAppPassword,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProviderNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get provider defaults: %w", err)
	}

	return &p, nil
}

// ListProviderDefaults returns all provider defaults ordered by domain.
func ListProviderDefaults(ctx context.Context, pool *pgxpool.Pool) ([]*models.ProviderDefaults, error) {
	rows, err := pool.Query(ctx, `
		SELECT domain, label,
		       imap_host, imap_port, imap_security,
		       smtp_host, smtp_port, smtp_security,
		       requires_app_password
		FROM provider_defaults
		ORDER BY domain
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider defaults: %w", err)
	}
	defer rows.Close()

	var providers []*models.ProviderDefaults
	for rows.Next() {
		var p models.ProviderDefaults
		if err := rows.Scan(
			&p.Domain,
			&p.Label,
			&p.IMAPHost,
			&p.IMAPPort,
			&p.IMAPSecurity,
			&p.SMTPHost,
			&p.SMTPPort,
			&p.SMTPSecurity,
			&p.RequiresAppPassword,
		); err != nil {
			return nil, fmt.Errorf("failed to scan provider defaults: %w", err)
		}
		providers = append(providers, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider defaults: %w", err)
	}

	return providers, nil
}

// SaveProviderDefaults inserts or updates the defaults for a domain.
func SaveProviderDefaults(ctx context.Context, pool *pgxpool.Pool, p *models.ProviderDefaults) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO provider_defaults (
			domain, label,
			imap_host, imap_port, imap_security,
			smtp_host, smtp_port, smtp_security,
			requires_app_password
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (domain) DO UPDATE SET
			label = EXCLUDED.label,
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_security = EXCLUDED.imap_security,
			smtp_host = EXCLUDED.smtp_host,
			smtp_port = EXCLUDED.smtp_port,
			smtp_security = EXCLUDED.smtp_security,
			requires_app_password = EXCLUDED.requires_app_password
	`, p.Domain, p.Label,
		p.IMAPHost, p.IMAPPort, p.IMAPSecurity,
		p.SMTPHost, p.SMTPPort, p.SMTPSecurity,
		p.RequiresAppPassword)

	if err != nil {
		return fmt.Errorf("failed to save provider defaults: %w", err)
	}

	return nil
}
