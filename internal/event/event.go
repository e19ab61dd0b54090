// Package event parses webhook payloads into typed events. Classification is
// total: any input, including malformed JSON and missing fields, yields an
// event rather than an error, so bad payloads degrade to "ignored" instead of
// failing request handling.
package event

import "encoding/json"

// Kind identifies the category of a webhook event.
type Kind string

const (
	// KindBotSetExternal is a bot activation for a chat.
	KindBotSetExternal Kind = "bot_set_external"
	// KindMessageCreated is an incoming message in a chat.
	KindMessageCreated Kind = "message_created"
	// KindOther is anything the bridge does not act on.
	KindOther Kind = "other"
)

// Wire event names.
const (
	NameBotSetExternal = "domain.chat.bot.setExternal"
	NameMessageCreated = "domain.message.created"
)

// Message direction and type wire values.
const (
	DirectionIncoming = "incoming"
	TypeText          = "text"
	TypePostback      = "postback"
)

// Postback is a structured menu-selection payload sent by the chat client in
// lieu of free text. Values outside the known set are carried through
// verbatim and treated as unrecognized by the state machine.
type Postback string

const (
	PostbackGetSessionMessages Postback = "getSessionMessages"
	PostbackRandomImage        Postback = "randomImage"
	PostbackBackToBot          Postback = "backToBot"
	PostbackResolve            Postback = "resolve"
)

// Event is a classified webhook delivery. It lives only for the duration of
// one request. The ExternalBot flag is what the event asserts about the chat;
// it is known to be stale in some deliveries and must not be trusted without
// re-fetching the remote chat state.
type Event struct {
	Kind         Kind
	Name         string
	ChatID       string
	ParentChatID string
	Direction    string
	MessageType  string
	Text         string
	Postback     Postback
	Timestamp    int64 // epoch milliseconds as delivered
	ExternalBot  bool
}

type envelope struct {
	EventName string `json:"eventName"`
	EventData struct {
		ChatID       string `json:"chatId"`
		ParentChatID string `json:"parentChatId"`
		Chat         struct {
			ExternalBot bool `json:"externalBot"`
		} `json:"chat"`
		Message struct {
			Direction string `json:"direction"`
			Type      string `json:"type"`
			Payload   string `json:"payload"`
			Text      string `json:"text"`
			Timestamp int64  `json:"timestamp"`
		} `json:"message"`
	} `json:"eventData"`
}

// Classify parses a raw webhook body into an Event.
//
// Rules, in priority order:
//   - NameBotSetExternal with the event asserting externalBot == true is an
//     activation; the same event name with the flag false is not (it also
//     fires when bot mode is being turned off for a chat).
//   - NameMessageCreated with an incoming direction is a message; outgoing
//     messages are not acted on.
//   - Everything else, including unparseable input, is KindOther.
func Classify(body []byte) Event {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{Kind: KindOther}
	}

	ev := Event{
		Kind:         KindOther,
		Name:         env.EventName,
		ChatID:       env.EventData.ChatID,
		ParentChatID: env.EventData.ParentChatID,
		Direction:    env.EventData.Message.Direction,
		MessageType:  env.EventData.Message.Type,
		Text:         env.EventData.Message.Text,
		Postback:     Postback(env.EventData.Message.Payload),
		Timestamp:    env.EventData.Message.Timestamp,
		ExternalBot:  env.EventData.Chat.ExternalBot,
	}

	switch env.EventName {
	case NameBotSetExternal:
		if env.EventData.Chat.ExternalBot {
			ev.Kind = KindBotSetExternal
		}
	case NameMessageCreated:
		if env.EventData.Message.Direction == DirectionIncoming {
			ev.Kind = KindMessageCreated
		}
	}

	return ev
}
