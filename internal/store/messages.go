package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
)

// StoreChatMetadata upserts the metadata-only chat row, keeping the most
// recent activity timestamp. Name is only overwritten when non-empty.
func (s *Store) StoreChatMetadata(ctx context.Context, jid, lastActivity, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_activity) VALUES (?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_activity = MAX(chats.last_activity, excluded.last_activity)`,
		jid, name, lastActivity)
	if err != nil {
		return fmt.Errorf("store chat %s: %w", jid, err)
	}
	return nil
}

// StoreMessage upserts a message row. Channels may deliver duplicates; the
// (id, chat_jid) primary key makes the second store a no-op state-wise.
func (s *Store) StoreMessage(ctx context.Context, m bus.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
			(id, chat_jid, sender_id, sender_name, content, timestamp, is_from_self, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.SenderID, m.SenderName, m.Content, m.Timestamp,
		boolToInt(m.IsFromSelf), boolToInt(m.IsBotMessage))
	if err != nil {
		return fmt.Errorf("store message %s/%s: %w", m.ChatJID, m.ID, err)
	}
	return nil
}

// GetNewMessages returns messages across jids newer than sinceTs, oldest
// first, plus the max timestamp seen. Messages whose content starts with
// botPrefix are excluded (they are the assistant's own output echoed back).
func (s *Store) GetNewMessages(ctx context.Context, jids []string, sinceTs, botPrefix string) ([]bus.Message, string, error) {
	if len(jids) == 0 {
		return nil, sinceTs, nil
	}
	placeholders := strings.Repeat("?,", len(jids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(jids)+1)
	for _, j := range jids {
		args = append(args, j)
	}
	args = append(args, sinceTs)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender_id, sender_name, content, timestamp, is_from_self, is_bot_message
		FROM messages
		WHERE chat_jid IN (`+placeholders+`) AND timestamp > ? AND is_bot_message = 0
		ORDER BY timestamp ASC`, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	msgs, maxTs, err := scanMessages(rows, sinceTs, botPrefix)
	if err != nil {
		return nil, "", err
	}
	return msgs, maxTs, nil
}

// GetMessagesSince returns non-bot messages for one jid newer than sinceTs,
// oldest first.
func (s *Store) GetMessagesSince(ctx context.Context, jid, sinceTs, botPrefix string) ([]bus.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender_id, sender_name, content, timestamp, is_from_self, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0
		ORDER BY timestamp ASC`, jid, sinceTs)
	if err != nil {
		return nil, fmt.Errorf("query messages since %s: %w", jid, err)
	}
	defer rows.Close()

	msgs, _, err := scanMessages(rows, sinceTs, botPrefix)
	return msgs, err
}

func scanMessages(rows *sql.Rows, sinceTs, botPrefix string) ([]bus.Message, string, error) {
	var msgs []bus.Message
	maxTs := sinceTs
	for rows.Next() {
		var m bus.Message
		var fromSelf, botMsg int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderID, &m.SenderName, &m.Content,
			&m.Timestamp, &fromSelf, &botMsg); err != nil {
			return nil, "", fmt.Errorf("scan message: %w", err)
		}
		m.IsFromSelf = fromSelf != 0
		m.IsBotMessage = botMsg != 0
		if m.Timestamp > maxTs {
			maxTs = m.Timestamp
		}
		if botPrefix != "" && strings.HasPrefix(m.Content, botPrefix) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, maxTs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
