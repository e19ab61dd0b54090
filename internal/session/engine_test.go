package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgard/chatbridge/internal/chatapi"
	"github.com/edgard/chatbridge/internal/config"
	"github.com/edgard/chatbridge/internal/database"
	"github.com/edgard/chatbridge/internal/event"
	"github.com/edgard/chatbridge/internal/session"
)

type fakeBackend struct {
	chat        *chatapi.Chat
	getErr      error
	messages    []chatapi.Message
	messagesErr error

	getCalls      int
	sessionCalls  int
	patchedValues []bool
	resolveCalls  int
}

func (f *fakeBackend) GetChat(_ context.Context, _ string) (*chatapi.Chat, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.chat, nil
}

func (f *fakeBackend) SetExternalBot(_ context.Context, _ string, enabled bool) error {
	f.patchedValues = append(f.patchedValues, enabled)
	return nil
}

func (f *fakeBackend) ResolveChat(_ context.Context, _ string) error {
	f.resolveCalls++
	return nil
}

func (f *fakeBackend) SessionMessages(_ context.Context, _, _ string) ([]chatapi.Message, error) {
	f.sessionCalls++
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return f.messages, nil
}

type sentMessage struct {
	chatID string
	msg    chatapi.OutboundMessage
	delay  time.Duration
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []sentMessage
	delayed []sentMessage
	sendErr error
}

func (f *fakeDispatcher) Send(_ context.Context, chatID string, msg chatapi.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, msg: msg})
	return nil
}

func (f *fakeDispatcher) SendDelayed(chatID string, msg chatapi.OutboundMessage, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, sentMessage{chatID: chatID, msg: msg, delay: delay})
}

func (f *fakeDispatcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) + len(f.delayed)
}

type fakeImages struct {
	url string
	err error
}

func (f *fakeImages) RandomImageURL(_ context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	records []database.Delivery
}

func (f *fakeJournal) RecordDelivery(_ context.Context, d *database.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *d)
	return nil
}

func (f *fakeJournal) lastOutcome() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return ""
	}
	return f.records[len(f.records)-1].Outcome
}

func testMenu() config.MenuConfig {
	return config.MenuConfig{
		Body:                 "menu body",
		ReminderDelay:        2 * time.Second,
		ResendDelay:          5 * time.Second,
		MsgNoSessionMessages: "nothing found",
		MsgTranscriptHeader:  "transcript:\n",
		MsgImageFallback:     "image fallback",
		MsgBackToBot:         "back to bot",
		MsgResolved:          "resolved",
	}
}

func newTestEngine(backend *fakeBackend, dispatcher *fakeDispatcher, images *fakeImages, journal *fakeJournal) *session.Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return session.NewEngine(backend, dispatcher, images, journal, testMenu(), log)
}

func openBotChat() *chatapi.Chat {
	return &chatapi.Chat{
		ID:                           "c1",
		ExternalBot:                  true,
		Status:                       chatapi.StatusOpen,
		LastIncomingMessageTimestamp: 1000,
		BotSessionID:                 "sess-1",
	}
}

func messageEvent(msgType string, postback event.Postback, timestamp int64) event.Event {
	return event.Event{
		Kind:        event.KindMessageCreated,
		Name:        event.NameMessageCreated,
		ChatID:      "c1",
		Direction:   event.DirectionIncoming,
		MessageType: msgType,
		Postback:    postback,
		Timestamp:   timestamp,
	}
}

func TestActivationSendsInitialMenu(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := event.Event{
		Kind:        event.KindBotSetExternal,
		Name:        event.NameBotSetExternal,
		ChatID:      "c1",
		ExternalBot: true,
	}
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(dispatcher.sent))
	}
	if dispatcher.sent[0].msg.Text != "menu body" {
		t.Errorf("sent text = %q, want menu body", dispatcher.sent[0].msg.Text)
	}
}

// The activation event's own flag is known to be stale in some deliveries:
// only the re-fetched remote state decides whether the menu is sent.
func TestActivationWithRemoteBotDisabledSendsNothing(t *testing.T) {
	t.Parallel()

	chat := openBotChat()
	chat.ExternalBot = false
	backend := &fakeBackend{chat: chat}
	dispatcher := &fakeDispatcher{}
	journal := &fakeJournal{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, journal)

	ev := event.Event{
		Kind:        event.KindBotSetExternal,
		Name:        event.NameBotSetExternal,
		ChatID:      "c1",
		ExternalBot: true, // the event lies
	}
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if got := dispatcher.total(); got != 0 {
		t.Errorf("dispatched %d messages, want 0", got)
	}
	if got := journal.lastOutcome(); got != session.OutcomeIgnoredBotOff {
		t.Errorf("outcome = %q, want %q", got, session.OutcomeIgnoredBotOff)
	}
}

func TestStaleMessageProducesNothing(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()} // watermark 1000
	dispatcher := &fakeDispatcher{}
	journal := &fakeJournal{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, journal)

	ev := messageEvent(event.TypePostback, event.PostbackResolve, 999)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if got := dispatcher.total(); got != 0 {
		t.Errorf("dispatched %d messages, want 0", got)
	}
	if backend.resolveCalls != 0 {
		t.Errorf("resolve calls = %d, want 0", backend.resolveCalls)
	}
	if got := journal.lastOutcome(); got != session.OutcomeIgnoredStale {
		t.Errorf("outcome = %q, want %q", got, session.OutcomeIgnoredStale)
	}
}

func TestMessageIgnoredWhenChatNotInBotMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		patch func(c *chatapi.Chat)
	}{
		{"bot disabled", func(c *chatapi.Chat) { c.ExternalBot = false }},
		{"chat not open", func(c *chatapi.Chat) { c.Status = "closed" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chat := openBotChat()
			tc.patch(chat)
			backend := &fakeBackend{chat: chat}
			dispatcher := &fakeDispatcher{}
			engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

			ev := messageEvent(event.TypeText, "", 2000)
			if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
				t.Fatalf("Handle returned error: %v", err)
			}
			if got := dispatcher.total(); got != 0 {
				t.Errorf("dispatched %d messages, want 0", got)
			}
		})
	}
}

func TestFreeTextGetsDelayedMenuReminder(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypeText, "", 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(dispatcher.delayed) != 1 {
		t.Fatalf("delayed sends = %d, want 1", len(dispatcher.delayed))
	}
	got := dispatcher.delayed[0]
	if got.msg.Text != "menu body" {
		t.Errorf("reminder text = %q, want menu body", got.msg.Text)
	}
	if got.delay != 2*time.Second {
		t.Errorf("reminder delay = %v, want 2s", got.delay)
	}
}

func TestTranscriptWithoutSessionIDNeverCallsBackend(t *testing.T) {
	t.Parallel()

	chat := openBotChat()
	chat.BotSessionID = ""
	backend := &fakeBackend{chat: chat}
	dispatcher := &fakeDispatcher{}
	journal := &fakeJournal{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, journal)

	ev := messageEvent(event.TypePostback, event.PostbackGetSessionMessages, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if backend.sessionCalls != 0 {
		t.Errorf("session message fetches = %d, want 0", backend.sessionCalls)
	}
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].msg.Text != "nothing found" {
		t.Fatalf("sent = %+v, want exactly the nothing-found reply", dispatcher.sent)
	}
	if got := journal.lastOutcome(); got != session.OutcomeTranscriptEmpty {
		t.Errorf("outcome = %q, want %q", got, session.OutcomeTranscriptEmpty)
	}
}

func TestTranscriptConcatenatesIncomingText(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		chat: openBotChat(),
		messages: []chatapi.Message{
			{Direction: "incoming", Type: "text", Text: "first"},
			{Direction: "outgoing", Type: "text", Text: "bot reply"},
			{Direction: "incoming", Type: "postback", Text: "getSessionMessages"},
			{Direction: "incoming", Type: "text", Text: "second"},
		},
	}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.PostbackGetSessionMessages, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent %d immediate messages, want 1", len(dispatcher.sent))
	}
	text := dispatcher.sent[0].msg.Text
	if !strings.HasPrefix(text, "transcript:\n") {
		t.Errorf("transcript missing header: %q", text)
	}
	if !strings.Contains(text, "first\nsecond") {
		t.Errorf("transcript = %q, want incoming text only, in order", text)
	}
	if strings.Contains(text, "bot reply") {
		t.Errorf("transcript leaked outgoing message: %q", text)
	}

	// Menu is re-sent after the fixed delay.
	if len(dispatcher.delayed) != 1 || dispatcher.delayed[0].delay != 5*time.Second {
		t.Fatalf("delayed = %+v, want one menu resend after 5s", dispatcher.delayed)
	}
}

func TestTranscriptFetchFailureFallsBack(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat(), messagesErr: errors.New("boom")}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.PostbackGetSessionMessages, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v (secondary failures must not abort)", err)
	}
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].msg.Text != "nothing found" {
		t.Fatalf("sent = %+v, want the nothing-found fallback", dispatcher.sent)
	}
}

func TestRandomImageSendsMedia(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{url: "https://img.example/42.jpg"}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.PostbackRandomImage, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(dispatcher.sent))
	}
	if got := dispatcher.sent[0].msg.ImageURL; got != "https://img.example/42.jpg" {
		t.Errorf("ImageURL = %q, want the fetched URL", got)
	}
	if len(dispatcher.delayed) != 1 {
		t.Errorf("delayed sends = %d, want 1 menu resend", len(dispatcher.delayed))
	}
}

func TestRandomImageFailureSendsFallbackText(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	journal := &fakeJournal{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{err: errors.New("no image")}, journal)

	ev := messageEvent(event.TypePostback, event.PostbackRandomImage, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(dispatcher.sent) != 1 || dispatcher.sent[0].msg.Text != "image fallback" {
		t.Fatalf("sent = %+v, want the image fallback text", dispatcher.sent)
	}
	if got := journal.lastOutcome(); got != session.OutcomeImageFallback {
		t.Errorf("outcome = %q, want %q", got, session.OutcomeImageFallback)
	}
}

func TestBackToBotDisablesBotMode(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.PostbackBackToBot, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(dispatcher.sent) != 1 || dispatcher.sent[0].msg.Text != "back to bot" {
		t.Fatalf("sent = %+v, want one back-to-bot confirmation", dispatcher.sent)
	}
	if len(backend.patchedValues) != 1 || backend.patchedValues[0] != false {
		t.Errorf("patches = %v, want exactly one externalBot=false request", backend.patchedValues)
	}
}

func TestResolvePostbackResolvesChat(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.PostbackResolve, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if backend.resolveCalls != 1 {
		t.Errorf("resolve calls = %d, want 1", backend.resolveCalls)
	}
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].msg.Text != "resolved" {
		t.Fatalf("sent = %+v, want exactly one confirmation reply", dispatcher.sent)
	}
}

func TestUnrecognizedPostbackIsNoOp(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.Postback("launchMissiles"), 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if got := dispatcher.total(); got != 0 {
		t.Errorf("dispatched %d messages, want 0", got)
	}
}

func TestUnsupportedEventIsNoOp(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := event.Event{Kind: event.KindOther, Name: "domain.thing.unknown", ChatID: "c1"}
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if backend.getCalls != 0 {
		t.Errorf("backend calls = %d, want 0", backend.getCalls)
	}
	if got := dispatcher.total(); got != 0 {
		t.Errorf("dispatched %d messages, want 0", got)
	}
}

// A failed mandatory state fetch is the only fatal condition: the event is
// left unprocessed so the source redelivers.
func TestMandatoryFetchFailureIsUpstreamError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{getErr: errors.New("connection refused")}
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	for _, ev := range []event.Event{
		{Kind: event.KindBotSetExternal, Name: event.NameBotSetExternal, ChatID: "c1"},
		messageEvent(event.TypeText, "", 2000),
	} {
		err := engine.Handle(context.Background(), "req-1", ev)
		if !errors.Is(err, session.ErrUpstream) {
			t.Errorf("Handle(%s) error = %v, want ErrUpstream", ev.Kind, err)
		}
	}
	if got := dispatcher.total(); got != 0 {
		t.Errorf("dispatched %d messages, want 0", got)
	}
}

// Send failures on secondary actions degrade, they never abort the request.
func TestSendFailureDoesNotAbortProcessing(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chat: openBotChat()}
	dispatcher := &fakeDispatcher{sendErr: errors.New("send failed")}
	engine := newTestEngine(backend, dispatcher, &fakeImages{}, &fakeJournal{})

	ev := messageEvent(event.TypePostback, event.PostbackResolve, 2000)
	if err := engine.Handle(context.Background(), "req-1", ev); err != nil {
		t.Fatalf("Handle returned error: %v, want nil", err)
	}
	if backend.resolveCalls != 1 {
		t.Errorf("resolve calls = %d, want 1 even when the confirmation send fails", backend.resolveCalls)
	}
}
