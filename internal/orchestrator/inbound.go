package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// pipedMessage is the JSON written into a live agent's input directory when a
// follow-up message arrives mid-run.
type pipedMessage struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// OnMessage is the inbound callback handed to every channel adapter. It
// persists the message, advances the global seen-cursor, and either pipes the
// message to a live agent or enqueues a fresh run.
func (o *Orchestrator) OnMessage(msg bus.Message) {
	ctx := context.Background()

	if err := o.st.StoreChatMetadata(ctx, msg.ChatJID, msg.Timestamp, msg.ChatName); err != nil {
		slog.Warn("store chat metadata failed", "jid", msg.ChatJID, "error", err)
	}
	if err := o.st.StoreMessage(ctx, msg); err != nil {
		slog.Error("store message failed", "jid", msg.ChatJID, "id", msg.ID, "error", err)
		return
	}

	if last, err := o.st.GetRouterState(ctx, lastTimestampKey); err == nil && msg.Timestamp > last {
		if err := o.st.SetRouterState(ctx, lastTimestampKey, msg.Timestamp); err != nil {
			slog.Warn("advance last_timestamp failed", "error", err)
		}
	}

	if msg.IsFromSelf || msg.IsBotMessage {
		return
	}

	group, err := o.st.GetGroupByJID(ctx, msg.ChatJID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("group lookup failed", "jid", msg.ChatJID, "error", err)
		}
		// Unregistered chats are stored but never dispatched.
		return
	}

	// Follow-up-while-running: pipe into the live agent's input directory and
	// advance both cursors optimistically. The agent contract guarantees all
	// non-sentinel input files are drained before a _close is honored.
	payload, _ := json.Marshal(pipedMessage{
		Type:      "message",
		Sender:    msg.SenderName,
		Text:      msg.Content,
		Timestamp: msg.Timestamp,
	})
	if o.queue.SendMessage(msg.ChatJID, payload) {
		if err := o.st.SetPendingCursor(ctx, msg.ChatJID, msg.Timestamp); err != nil {
			slog.Warn("advance pending cursor for piped message failed", "jid", msg.ChatJID, "error", err)
		}
		if err := o.st.SetAgentCursor(ctx, msg.ChatJID, msg.Timestamp); err != nil {
			slog.Warn("advance agent cursor for piped message failed", "jid", msg.ChatJID, "error", err)
		}
		slog.Debug("piped follow-up to running agent", "jid", msg.ChatJID, "group", group.Folder)
		return
	}

	o.queue.EnqueueMessageCheck(msg.ChatJID)
}
