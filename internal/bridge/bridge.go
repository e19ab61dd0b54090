// Package bridge orchestrates the lifecycle of the application components.
package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/chatbridge/internal/schedule"
	"github.com/edgard/chatbridge/internal/server"
)

// Bridge runs the webhook server and the scheduler, and shuts both down
// gracefully on context cancellation.
type Bridge struct {
	logger    *slog.Logger
	server    *server.Server
	scheduler *schedule.Scheduler
}

// New creates the orchestrator.
func New(logger *slog.Logger, srv *server.Server, scheduler *schedule.Scheduler) *Bridge {
	return &Bridge{
		logger:    logger.With("component", "bridge"),
		server:    srv,
		scheduler: scheduler,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("Starting bridge...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.scheduler.Start()
		<-gCtx.Done()
		if err := b.scheduler.Stop(); err != nil {
			return fmt.Errorf("scheduler shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return b.server.Run(gCtx)
	})

	return g.Wait()
}
