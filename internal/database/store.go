package database

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the data access operations for the delivery journal.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RecordDelivery inserts a journal record for a processed delivery.
	RecordDelivery(ctx context.Context, delivery *Delivery) error

	// RecentDeliveries retrieves the most recent 'limit' journal records for
	// a chat, newest first.
	RecentDeliveries(ctx context.Context, chatID string, limit int) ([]Delivery, error)

	// PruneDeliveries deletes journal records created before the cutoff and
	// returns the number of rows removed.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) RecordDelivery(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return fmt.Errorf("cannot record nil delivery")
	}
	if delivery.RequestID == "" {
		return fmt.Errorf("delivery must have a request_id")
	}
	if delivery.Outcome == "" {
		return fmt.Errorf("delivery must have an outcome")
	}

	delivery.CreatedAt = time.Now().UTC()

	query := `INSERT INTO deliveries (created_at, request_id, event_name, chat_id, outcome, detail)
	          VALUES (:created_at, :request_id, :event_name, :chat_id, :outcome, :detail)`
	if _, err := s.db.NamedExecContext(ctx, query, delivery); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (s *sqlxStore) RecentDeliveries(ctx context.Context, chatID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var deliveries []Delivery
	query := `SELECT id, created_at, request_id, event_name, chat_id, outcome, detail
	          FROM deliveries WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &deliveries, query, chatID, limit); err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	return deliveries, nil
}

func (s *sqlxStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned deliveries: %w", err)
	}
	return pruned, nil
}

func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	s.logger.DebugContext(ctx, "Database maintenance completed")
	return nil
}
