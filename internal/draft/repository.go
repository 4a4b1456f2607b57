package draft

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists drafts in Postgres.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new draft and returns its id.
func (r *Repository) Create(ctx context.Context, buf Buffer) (string, error) {
	id := uuid.NewString()
	query := `
        INSERT INTO drafts (id, account_id, recipients_to, recipients_cc, recipients_bcc,
                            subject, body, attachments, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
    `
	_, err := r.db.Exec(ctx, query,
		id,
		buf.AccountID,
		buf.To,
		buf.Cc,
		buf.Bcc,
		buf.Subject,
		buf.Body,
		buf.Attachments,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert draft: %w", err)
	}
	return id, nil
}

// Update rewrites an existing draft in place.
func (r *Repository) Update(ctx context.Context, draftID string, buf Buffer) error {
	query := `
        UPDATE drafts
        SET recipients_to = $1, recipients_cc = $2, recipients_bcc = $3,
            subject = $4, body = $5, attachments = $6, updated_at = NOW()
        WHERE id = $7
    `
	tag, err := r.db.Exec(ctx, query,
		buf.To,
		buf.Cc,
		buf.Bcc,
		buf.Subject,
		buf.Body,
		buf.Attachments,
		draftID,
	)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("draft not found: %s", draftID)
	}
	return nil
}

// Delete removes a draft after send or discard.
func (r *Repository) Delete(ctx context.Context, draftID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM drafts WHERE id = $1`, draftID)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}
