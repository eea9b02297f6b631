package dispatch

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresNotificationService implements NotificationService by writing
// in-app notification rows to the notifications table.
type PostgresNotificationService struct {
	db *sql.DB
}

// NewPostgresNotificationService creates a PostgreSQL-backed notification sink.
func NewPostgresNotificationService(db *sql.DB) *PostgresNotificationService {
	return &PostgresNotificationService{db: db}
}

func (s *PostgresNotificationService) InsertBatch(ctx context.Context, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notifications (tenant_id, recipient_id, type, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare notification insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range notifications {
		if _, err := stmt.ExecContext(ctx, n.TenantID, n.RecipientID, n.Type, n.Title, n.Message, n.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}

	return tx.Commit()
}
