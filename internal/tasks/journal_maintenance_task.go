// Package tasks contains the recurring maintenance jobs run by the scheduler.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgard/chatbridge/internal/database"
	"github.com/edgard/chatbridge/internal/schedule"
)

// TaskDeps carries the dependencies shared by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
}

// NewJournalMaintenanceTask creates the task that prunes delivery journal
// rows past the retention window and vacuums the database afterwards.
func NewJournalMaintenanceTask(deps TaskDeps, retention time.Duration) schedule.TaskFunc {
	log := deps.Logger.With("task", "journal_maintenance")

	return func(ctx context.Context) error {
		startTime := time.Now()

		cutoff := time.Now().Add(-retention)
		pruned, err := deps.Store.PruneDeliveries(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("journal pruning failed: %w", err)
		}

		if err := deps.Store.RunMaintenance(ctx); err != nil {
			return fmt.Errorf("journal maintenance failed: %w", err)
		}

		log.InfoContext(ctx, "Journal maintenance completed",
			"pruned", pruned, "duration", time.Since(startTime))
		return nil
	}
}
