// Package postgres provides a PostgreSQL implementation of the recipient
// store.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/mail-courier/internal/domain"
	"github.com/bissquit/mail-courier/internal/recipient"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations to the database at the
// given URL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	slog.Info("database migrations applied")
	return nil
}

// Repository implements recipient.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a PostgreSQL recipient repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Import inserts recipients that are not yet known, keyed by address.
// Existing rows keep their delivery status.
func (r *Repository) Import(ctx context.Context, recipients []domain.Recipient) (int, error) {
	batch := &pgx.Batch{}
	for _, rec := range recipients {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, fmt.Errorf("marshal fields for %s: %w", rec.Address, err)
		}
		batch.Queue(`
			INSERT INTO recipients (address, name, fields, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (LOWER(address)) DO NOTHING
		`, rec.Address, rec.Name, fields, domain.RecipientStatusPending)
	}

	results := r.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	inserted := 0
	for range recipients {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("import recipient: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// Load returns every recipient not yet marked sent, in insertion order.
func (r *Repository) Load(ctx context.Context) ([]domain.Recipient, error) {
	query := `
		SELECT address, name, fields, status
		FROM recipients
		WHERE status <> $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, domain.RecipientStatusSent)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var (
			rec       domain.Recipient
			rawFields []byte
		)
		if err := rows.Scan(&rec.Address, &rec.Name, &rawFields, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(rawFields) > 0 {
			if err := json.Unmarshal(rawFields, &rec.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields for %s: %w", rec.Address, err)
			}
		}
		if rec.Name == "" {
			rec.Name = recipient.DeriveName(rec.Address)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	if len(recipients) == 0 {
		return nil, recipient.ErrNoRecipients
	}
	return recipients, nil
}

// UpdateStatus records the delivery outcome for one recipient.
func (r *Repository) UpdateStatus(ctx context.Context, rec domain.Recipient, status domain.RecipientStatus) error {
	query := `
		UPDATE recipients
		SET status = $2, updated_at = NOW()
		WHERE LOWER(address) = LOWER($1)
	`
	tag, err := r.db.Exec(ctx, query, rec.Address, status)
	if err != nil {
		return fmt.Errorf("update recipient status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", recipient.ErrRecipientUnknown, rec.Address)
	}
	return nil
}
