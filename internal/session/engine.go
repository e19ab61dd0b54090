// Package session implements the chat session state machine. Given a
// classified webhook event and the chat's current remote state, it decides
// which replies (if any) to send and which remote-state mutations to request.
//
// Webhook deliveries are at-least-once and possibly reordered, so two rules
// carry the correctness of the whole bridge:
//
//   - Every message event is checked against the backend's
//     lastIncomingMessageTimestamp watermark before any other business logic;
//     an older event is a stale or duplicate delivery and produces nothing.
//   - Remote state is re-fetched for every event instead of trusting flags
//     carried on the event itself: activation events are known to fire with a
//     stale externalBot flag while bot mode is simultaneously being turned off.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgard/chatbridge/internal/chatapi"
	"github.com/edgard/chatbridge/internal/config"
	"github.com/edgard/chatbridge/internal/database"
	"github.com/edgard/chatbridge/internal/event"
)

// ErrUpstream marks a failure to reach the chat backend during the mandatory
// state fetch. It aborts processing of the event; the source system is
// expected to redeliver.
var ErrUpstream = errors.New("chat backend unavailable")

// Journal outcomes.
const (
	OutcomeIgnoredUnsupported = "ignored_unsupported"
	OutcomeIgnoredStale       = "ignored_stale"
	OutcomeIgnoredBotOff      = "ignored_bot_off"
	OutcomeMenuSent           = "menu_sent"
	OutcomeReminderSent       = "reminder_sent"
	OutcomeTranscriptSent     = "transcript_sent"
	OutcomeTranscriptEmpty    = "transcript_empty"
	OutcomeImageSent          = "image_sent"
	OutcomeImageFallback      = "image_fallback"
	OutcomeBotDisabled        = "bot_disabled"
	OutcomeResolved           = "resolved"
)

// Backend is the slice of the chat backend API the engine drives.
type Backend interface {
	GetChat(ctx context.Context, chatID string) (*chatapi.Chat, error)
	SetExternalBot(ctx context.Context, chatID string, enabled bool) error
	ResolveChat(ctx context.Context, chatID string) error
	SessionMessages(ctx context.Context, chatID, botSessionID string) ([]chatapi.Message, error)
}

// Dispatcher sends decided replies.
type Dispatcher interface {
	Send(ctx context.Context, chatID string, msg chatapi.OutboundMessage) error
	SendDelayed(chatID string, msg chatapi.OutboundMessage, delay time.Duration)
}

// ImageSource provides random image URLs for the media postback.
type ImageSource interface {
	RandomImageURL(ctx context.Context) (string, error)
}

// Journal records processed deliveries. Failures are logged, never surfaced.
type Journal interface {
	RecordDelivery(ctx context.Context, delivery *database.Delivery) error
}

// Engine is the per-event decision core. It holds no cross-request chat
// state; the remote backend is the source of truth for "is this chat in bot
// mode".
type Engine struct {
	backend    Backend
	dispatcher Dispatcher
	images     ImageSource
	journal    Journal
	menu       config.MenuConfig
	logger     *slog.Logger
}

// NewEngine creates the state machine engine.
func NewEngine(
	backend Backend,
	dispatcher Dispatcher,
	images ImageSource,
	journal Journal,
	menu config.MenuConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:    backend,
		dispatcher: dispatcher,
		images:     images,
		journal:    journal,
		menu:       menu,
		logger:     logger.With("component", "session_engine"),
	}
}

// Handle runs one classified event through the state machine. A non-nil
// error wraps ErrUpstream and means the event must be treated as unprocessed.
// Everything else — unsupported shapes, stale deliveries, failed secondary
// actions — resolves to nil so the delivery is acknowledged.
func (e *Engine) Handle(ctx context.Context, requestID string, ev event.Event) error {
	log := e.logger.With("request_id", requestID, "event_name", ev.Name, "chat_id", ev.ChatID)

	switch ev.Kind {
	case event.KindBotSetExternal:
		return e.handleActivation(ctx, log, requestID, ev)
	case event.KindMessageCreated:
		return e.handleMessage(ctx, log, requestID, ev)
	default:
		log.InfoContext(ctx, "ignoring unsupported event")
		e.record(ctx, log, requestID, ev, OutcomeIgnoredUnsupported, "")
		return nil
	}
}

// handleActivation sends the initial menu when bot mode is turned on for a
// chat. The activation event's own externalBot flag is re-verified against
// fetched state: the same event fires, flag still set, while bot mode is
// being turned off.
func (e *Engine) handleActivation(ctx context.Context, log *slog.Logger, requestID string, ev event.Event) error {
	chat, err := e.backend.GetChat(ctx, ev.ChatID)
	if err != nil {
		return fmt.Errorf("%w: fetching chat %s: %v", ErrUpstream, ev.ChatID, err)
	}

	if !chat.ExternalBot {
		log.InfoContext(ctx, "activation event for chat no longer in bot mode")
		e.record(ctx, log, requestID, ev, OutcomeIgnoredBotOff, "")
		return nil
	}

	if err := e.dispatcher.Send(ctx, ev.ChatID, chatapi.OutboundMessage{Text: e.menu.Body}); err != nil {
		log.WarnContext(ctx, "initial menu not delivered", "error", err)
	}
	e.record(ctx, log, requestID, ev, OutcomeMenuSent, "")
	return nil
}

func (e *Engine) handleMessage(ctx context.Context, log *slog.Logger, requestID string, ev event.Event) error {
	chat, err := e.backend.GetChat(ctx, ev.ChatID)
	if err != nil {
		return fmt.Errorf("%w: fetching chat %s: %v", ErrUpstream, ev.ChatID, err)
	}

	// Watermark guard before any other business logic: the backend advances
	// lastIncomingMessageTimestamp as messages arrive, so an older event is a
	// stale or out-of-order duplicate.
	if ev.Timestamp < chat.LastIncomingMessageTimestamp {
		log.InfoContext(ctx, "ignoring stale delivery",
			"event_timestamp", ev.Timestamp,
			"watermark", chat.LastIncomingMessageTimestamp)
		e.record(ctx, log, requestID, ev, OutcomeIgnoredStale, "")
		return nil
	}

	if !chat.ExternalBot || chat.Status != chatapi.StatusOpen {
		log.InfoContext(ctx, "ignoring message for chat not in bot mode",
			"external_bot", chat.ExternalBot, "status", chat.Status)
		e.record(ctx, log, requestID, ev, OutcomeIgnoredBotOff, "")
		return nil
	}

	if ev.MessageType != event.TypePostback {
		e.remindWithMenu(ev.ChatID)
		e.record(ctx, log, requestID, ev, OutcomeReminderSent, "")
		return nil
	}

	switch ev.Postback {
	case event.PostbackGetSessionMessages:
		outcome := e.sendTranscript(ctx, log, chat)
		e.dispatcher.SendDelayed(chat.ID, chatapi.OutboundMessage{Text: e.menu.Body}, e.menu.ResendDelay)
		e.record(ctx, log, requestID, ev, outcome, chat.BotSessionID)

	case event.PostbackRandomImage:
		outcome := e.sendRandomImage(ctx, log, chat)
		e.dispatcher.SendDelayed(chat.ID, chatapi.OutboundMessage{Text: e.menu.Body}, e.menu.ResendDelay)
		e.record(ctx, log, requestID, ev, outcome, "")

	case event.PostbackBackToBot:
		if err := e.dispatcher.Send(ctx, chat.ID, chatapi.OutboundMessage{Text: e.menu.MsgBackToBot}); err != nil {
			log.WarnContext(ctx, "back-to-bot confirmation not delivered", "error", err)
		}
		if err := e.backend.SetExternalBot(ctx, chat.ID, false); err != nil {
			log.ErrorContext(ctx, "failed to disable bot mode", "error", err)
		}
		e.record(ctx, log, requestID, ev, OutcomeBotDisabled, "")

	case event.PostbackResolve:
		if err := e.dispatcher.Send(ctx, chat.ID, chatapi.OutboundMessage{Text: e.menu.MsgResolved}); err != nil {
			log.WarnContext(ctx, "resolve confirmation not delivered", "error", err)
		}
		if err := e.backend.ResolveChat(ctx, chat.ID); err != nil {
			log.ErrorContext(ctx, "failed to resolve chat", "error", err)
		}
		e.record(ctx, log, requestID, ev, OutcomeResolved, "")

	default:
		log.InfoContext(ctx, "ignoring unrecognized postback", "payload", string(ev.Postback))
		e.record(ctx, log, requestID, ev, OutcomeIgnoredUnsupported, string(ev.Postback))
	}

	return nil
}

// remindWithMenu re-sends the menu for free-text input, optionally delayed so
// the reminder lands after the user's typing burst.
func (e *Engine) remindWithMenu(chatID string) {
	msg := chatapi.OutboundMessage{Text: e.menu.Body}
	if e.menu.ReminderDelay > 0 {
		e.dispatcher.SendDelayed(chatID, msg, e.menu.ReminderDelay)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	//nolint:errcheck // send failure already logged by the dispatcher
	e.dispatcher.Send(ctx, chatID, msg)
}

// sendTranscript replies with the incoming text messages of the current bot
// session, or a "nothing found" reply when the session id is missing, the
// fetch fails, or the session has no incoming text. With no session id there
// is no backend call at all.
func (e *Engine) sendTranscript(ctx context.Context, log *slog.Logger, chat *chatapi.Chat) string {
	if chat.BotSessionID == "" {
		e.sendOrLog(ctx, log, chat.ID, chatapi.OutboundMessage{Text: e.menu.MsgNoSessionMessages})
		return OutcomeTranscriptEmpty
	}

	messages, err := e.backend.SessionMessages(ctx, chat.ID, chat.BotSessionID)
	if err != nil {
		log.ErrorContext(ctx, "failed to fetch session messages", "error", err)
		e.sendOrLog(ctx, log, chat.ID, chatapi.OutboundMessage{Text: e.menu.MsgNoSessionMessages})
		return OutcomeTranscriptEmpty
	}

	var lines []string
	for _, m := range messages {
		if m.Direction == event.DirectionIncoming && m.Type == event.TypeText && m.Text != "" {
			lines = append(lines, m.Text)
		}
	}
	if len(lines) == 0 {
		e.sendOrLog(ctx, log, chat.ID, chatapi.OutboundMessage{Text: e.menu.MsgNoSessionMessages})
		return OutcomeTranscriptEmpty
	}

	transcript := e.menu.MsgTranscriptHeader + strings.Join(lines, "\n")
	e.sendOrLog(ctx, log, chat.ID, chatapi.OutboundMessage{Text: transcript})
	return OutcomeTranscriptSent
}

// sendRandomImage replies with a fetched image URL, or the fallback text when
// the fetch fails.
func (e *Engine) sendRandomImage(ctx context.Context, log *slog.Logger, chat *chatapi.Chat) string {
	imageURL, err := e.images.RandomImageURL(ctx)
	if err != nil {
		log.WarnContext(ctx, "failed to fetch random image", "error", err)
		e.sendOrLog(ctx, log, chat.ID, chatapi.OutboundMessage{Text: e.menu.MsgImageFallback})
		return OutcomeImageFallback
	}

	e.sendOrLog(ctx, log, chat.ID, chatapi.OutboundMessage{ImageURL: imageURL})
	return OutcomeImageSent
}

func (e *Engine) sendOrLog(ctx context.Context, log *slog.Logger, chatID string, msg chatapi.OutboundMessage) {
	if err := e.dispatcher.Send(ctx, chatID, msg); err != nil {
		log.WarnContext(ctx, "reply not delivered", "error", err)
	}
}

// record journals the processed delivery. Journal failures never affect the
// acknowledgment.
func (e *Engine) record(ctx context.Context, log *slog.Logger, requestID string, ev event.Event, outcome, detail string) {
	if e.journal == nil {
		return
	}
	err := e.journal.RecordDelivery(ctx, &database.Delivery{
		RequestID: requestID,
		EventName: ev.Name,
		ChatID:    ev.ChatID,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		log.WarnContext(ctx, "failed to journal delivery", "outcome", outcome, "error", err)
	}
}
