package repository

import (
	"context"
	"fmt"

	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/models"
)

// BlockedSenderRepository stores addresses and @domains whose mail is
// dropped before ticketing.
type BlockedSenderRepository struct {
	db *database.DB
}

// NewBlockedSenderRepository creates a repository backed by db.
func NewBlockedSenderRepository(db *database.DB) *BlockedSenderRepository {
	return &BlockedSenderRepository{db: db}
}

// Add blocks email, which may be a full address or "@domain". Adding an
// existing entry is a no-op.
func (r *BlockedSenderRepository) Add(ctx context.Context, email, reason string) error {
	_, err := r.db.InsertID(ctx, `INSERT INTO blocked_senders (email, reason, created_at) VALUES (?, ?, ?)`,
		normalizeEmail(email), reason, database.Now())
	if err != nil && !database.IsUniqueViolation(err) {
		return fmt.Errorf("failed to block %s: %w", email, err)
	}
	return nil
}

// Remove unblocks email.
func (r *BlockedSenderRepository) Remove(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM blocked_senders WHERE email = ?`), normalizeEmail(email))
	if err != nil {
		return fmt.Errorf("failed to unblock %s: %w", email, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every blocked entry.
func (r *BlockedSenderRepository) List(ctx context.Context) ([]*models.BlockedSender, error) {
	var out []*models.BlockedSender
	if err := r.db.SelectContext(ctx, &out, `SELECT id, email, reason, created_at FROM blocked_senders ORDER BY email`); err != nil {
		return nil, fmt.Errorf("failed to list blocked senders: %w", err)
	}
	return out, nil
}

// Patterns returns just the blocked addresses and domains.
func (r *BlockedSenderRepository) Patterns(ctx context.Context) ([]string, error) {
	var out []string
	if err := r.db.SelectContext(ctx, &out, `SELECT email FROM blocked_senders`); err != nil {
		return nil, fmt.Errorf("failed to load blocked senders: %w", err)
	}
	return out, nil
}
