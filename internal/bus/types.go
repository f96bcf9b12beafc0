// Package bus holds the wire types shared between channel adapters and the
// orchestrator core. Channels produce Message values; the orchestrator consumes
// them through a MessageHandler installed at startup.
package bus

import "time"

// TimestampLayout is the canonical message timestamp format: ISO-8601 UTC with
// millisecond precision. Strings in this layout sort lexicographically in
// wall-clock order, which the cursor engine relies on.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Message is one inbound chat message as delivered by a channel adapter.
type Message struct {
	ID           string `json:"id"`
	ChatJID      string `json:"chat_jid"`
	ChatName     string `json:"chat_name,omitempty"`
	SenderID     string `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"` // TimestampLayout
	IsFromSelf   bool   `json:"is_from_self"`
	IsBotMessage bool   `json:"is_bot_message"`
}

// MessageHandler is the core-provided inbound callback. Channels call it once
// per delivered message; duplicate deliveries are tolerated downstream.
type MessageHandler func(msg Message)

// ChatMetadata carries the metadata-only chat row updated on every delivery.
type ChatMetadata struct {
	JID          string
	Name         string
	LastActivity string
}
