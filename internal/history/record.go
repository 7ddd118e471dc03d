// Package history provides durable storage for relayed chat messages. Every
// message that passes through the relay is appended to the log, and the full
// ordered history of a session is replayed to participants when they
// reconnect.
package history

import "time"

// Record is one persisted chat message. Records are append-only: the relay
// never mutates or deletes them (retention is an operational concern).
type Record struct {
	ID        int64     // auto-assigned by the store
	SenderID  string    // participant who sent the message
	Recipient string    // partner captured at join time
	Content   string    // decoded message text
	Timestamp time.Time // relay-assigned UTC send time
	SessionID string    // canonical session id of the conversation
}
