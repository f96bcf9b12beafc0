// Package telegram connects the orchestrator to the Telegram Bot API via long
// polling. JIDs have the form "tg:<chat-id>".
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
	"github.com/nextlevelbuilder/shepherd/internal/channels"
	"github.com/nextlevelbuilder/shepherd/internal/config"
)

const (
	jidPrefix = "tg:"

	// Telegram hard-caps message length; longer agent output is split.
	maxMessageLen = 4096
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	limiter    *rate.Limiter
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel. handler receives every inbound message.
func New(cfg config.TelegramConfig, handler bus.MessageHandler) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", handler),
		bot:         bot,
		config:      cfg,
		// Bot API allows ~30 messages/second overall; stay under it.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

// JID renders a Telegram chat id as a channel-qualified jid.
func JID(chatID int64) string { return jidPrefix + strconv.FormatInt(chatID, 10) }

// OwnsJID reports whether jid belongs to this channel.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

func chatIDFromJID(jid string) (int64, error) {
	raw := strings.TrimPrefix(jid, jidPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram jid %q: %w", jid, err)
	}
	return id, nil
}

// Connect begins long polling for updates.
func (c *Channel) Connect(ctx context.Context) error {
	slog.Info("starting telegram channel (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram channel connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Disconnect stops polling and waits for the receive loop.
func (c *Channel) Disconnect(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.SetRunning(false)
	return nil
}

// handleMessage converts one Telegram update into a bus.Message.
func (c *Channel) handleMessage(m *telego.Message) {
	content := m.Text
	if content == "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	senderID := ""
	senderName := ""
	fromSelf := false
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if senderName == "" {
			senderName = m.From.Username
		}
		fromSelf = m.From.ID == c.bot.ID()
	}

	chatName := m.Chat.Title
	if chatName == "" {
		chatName = senderName
	}

	c.Deliver(bus.Message{
		ID:           strconv.Itoa(m.MessageID),
		ChatJID:      JID(m.Chat.ID),
		ChatName:     chatName,
		SenderID:     senderID,
		SenderName:   senderName,
		Content:      content,
		Timestamp:    bus.FormatTimestamp(time.Unix(m.Date, 0)),
		IsFromSelf:   fromSelf,
		IsBotMessage: m.From != nil && m.From.IsBot && !fromSelf,
	})
}

// SendMessage delivers text to a chat, splitting past the platform limit and
// pacing sends under the Bot API rate budget.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	for _, part := range channels.SplitMessage(text, maxMessageLen) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part)); err != nil {
			return fmt.Errorf("telegram send to %s: %w", jid, err)
		}
	}
	return nil
}

// SetTyping toggles the typing indicator. Telegram auto-expires the action
// after a few seconds; "off" is a no-op.
func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing {
		return nil
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}
