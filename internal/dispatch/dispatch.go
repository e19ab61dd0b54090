// Package dispatch sends decided reply messages through the chat backend,
// either immediately or after a delay.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/chatbridge/internal/chatapi"
	"github.com/edgard/chatbridge/internal/schedule"
)

// Sender is the outbound message transport.
type Sender interface {
	SendMessage(ctx context.Context, chatID string, msg chatapi.OutboundMessage) error
}

// Delayer schedules one-shot deferred work.
type Delayer interface {
	After(delay time.Duration, name string, fn schedule.TaskFunc)
}

// Dispatcher delivers replies. Each reply is dispatched independently; a
// failure does not abort other replies already decided for the same event.
type Dispatcher struct {
	sender      Sender
	delayer     Delayer
	logger      *slog.Logger
	sendTimeout time.Duration
}

// New creates a dispatcher. sendTimeout bounds each delayed send, which runs
// outside any request context.
func New(sender Sender, delayer Delayer, sendTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:      sender,
		delayer:     delayer,
		logger:      logger.With("component", "dispatcher"),
		sendTimeout: sendTimeout,
	}
}

// Send delivers a reply immediately. The error is returned for the caller to
// decide on a fallback; it is also logged here.
func (d *Dispatcher) Send(ctx context.Context, chatID string, msg chatapi.OutboundMessage) error {
	if err := d.sender.SendMessage(ctx, chatID, msg); err != nil {
		d.logger.ErrorContext(ctx, "failed to send reply", "chat_id", chatID, "error", err)
		return err
	}
	return nil
}

// SendDelayed schedules a reply to be sent after delay. The send is
// fire-and-scheduled: the caller does not wait for it, its failure is only
// logged, and it is lost if the process exits first.
func (d *Dispatcher) SendDelayed(chatID string, msg chatapi.OutboundMessage, delay time.Duration) {
	d.delayer.After(delay, "delayed_send", func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()

		if err := d.sender.SendMessage(sendCtx, chatID, msg); err != nil {
			d.logger.Error("failed to send delayed reply", "chat_id", chatID, "error", err)
		}
		return nil
	})
}
