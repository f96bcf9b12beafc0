// Package channels defines the adapter contract between external messaging
// platforms and the orchestrator core. The core treats channels as opaque
// sinks: it sends text to a jid and receives inbound messages through the
// handler installed at construction time.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
)

// Channel is the contract every adapter satisfies.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect starts the channel. Non-blocking after setup; inbound messages
	// flow through the handler until Disconnect.
	Connect(ctx context.Context) error

	// Disconnect stops the channel and waits for its receive loop to exit.
	Disconnect(ctx context.Context) error

	// SendMessage delivers text to a chat.
	SendMessage(ctx context.Context, jid, text string) error

	// SetTyping toggles the platform's typing indicator. Best effort.
	SetTyping(ctx context.Context, jid string, typing bool) error

	// OwnsJID reports whether this channel handles the given jid.
	OwnsJID(jid string) bool
}

// BaseChannel carries the pieces every adapter shares: its name and the
// core-provided inbound handler.
type BaseChannel struct {
	name    string
	handler bus.MessageHandler
	running bool
}

// NewBaseChannel creates a BaseChannel.
func NewBaseChannel(name string, handler bus.MessageHandler) *BaseChannel {
	return &BaseChannel{name: name, handler: handler}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is connected.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Deliver forwards one inbound message to the core.
func (c *BaseChannel) Deliver(msg bus.Message) {
	if c.handler != nil {
		c.handler(msg)
	}
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SplitMessage splits text into chunks of at most limit bytes, preferring
// newline then space boundaries. Platforms with hard message-size limits
// (Telegram: 4096) need long agent output delivered in pieces.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut < limit/2 {
			cut = strings.LastIndexByte(text[:limit], ' ')
		}
		if cut < limit/2 {
			cut = limit
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n "))
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
