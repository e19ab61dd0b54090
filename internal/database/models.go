package database

import "time"

// Delivery is a journal record of one processed webhook delivery. The journal
// is diagnostics only: it is written best-effort after processing and is
// never consulted to decide chat state, which lives in the remote backend.
type Delivery struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	RequestID string `db:"request_id"`
	EventName string `db:"event_name"`
	ChatID    string `db:"chat_id"`
	Outcome   string `db:"outcome"`
	Detail    string `db:"detail"`
}
