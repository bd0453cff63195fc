package db

import (
	"context"
	"fmt"

	"github.com/nukemymac/nukemymac-server/internal/feedback"
)

// CreateFeedback stores a contact form submission.
func (db *DB) CreateFeedback(ctx context.Context, f *feedback.Feedback) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO feedback (id, type, email, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, f.ID, string(f.Type), f.Email, f.Message, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create feedback: %w", err)
	}
	return nil
}

// CountFeedback returns the number of stored submissions.
func (db *DB) CountFeedback(ctx context.Context) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count feedback: %w", err)
	}
	return n, nil
}
