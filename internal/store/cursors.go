package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PendingCursor pairs a jid with its in-flight pending timestamp.
type PendingCursor struct {
	ChatJID   string
	Timestamp string
}

// GetAgentCursor returns the confirmed cursor for jid, or "" when none exists.
func (s *Store) GetAgentCursor(ctx context.Context, jid string) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT confirmed_timestamp FROM agent_cursors WHERE chat_jid = ?`, jid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent cursor %s: %w", jid, err)
	}
	return ts, nil
}

// SetAgentCursor upserts the confirmed cursor for jid.
func (s *Store) SetAgentCursor(ctx context.Context, jid, ts string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_cursors (chat_jid, confirmed_timestamp) VALUES (?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET confirmed_timestamp = excluded.confirmed_timestamp`,
		jid, ts)
	if err != nil {
		return fmt.Errorf("set agent cursor %s: %w", jid, err)
	}
	return nil
}

// GetPendingCursor returns the pending cursor for jid, or "" when none exists.
func (s *Store) GetPendingCursor(ctx context.Context, jid string) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT pending_timestamp FROM pending_cursors WHERE chat_jid = ?`, jid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pending cursor %s: %w", jid, err)
	}
	return ts, nil
}

// SetPendingCursor upserts the pending cursor for jid. Written before an agent
// run starts; a surviving row at startup means the run crashed mid-flight.
func (s *Store) SetPendingCursor(ctx context.Context, jid, ts string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_cursors (chat_jid, pending_timestamp) VALUES (?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET pending_timestamp = excluded.pending_timestamp`,
		jid, ts)
	if err != nil {
		return fmt.Errorf("set pending cursor %s: %w", jid, err)
	}
	return nil
}

// DeletePendingCursor clears the pending cursor for jid.
func (s *Store) DeletePendingCursor(ctx context.Context, jid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_cursors WHERE chat_jid = ?`, jid)
	if err != nil {
		return fmt.Errorf("delete pending cursor %s: %w", jid, err)
	}
	return nil
}

// ListPendingCursors returns all pending cursors; used by startup recovery.
func (s *Store) ListPendingCursors(ctx context.Context) ([]PendingCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_jid, pending_timestamp FROM pending_cursors`)
	if err != nil {
		return nil, fmt.Errorf("list pending cursors: %w", err)
	}
	defer rows.Close()

	var out []PendingCursor
	for rows.Next() {
		var pc PendingCursor
		if err := rows.Scan(&pc.ChatJID, &pc.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pending cursor: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// GetRouterState reads a global key, "" when absent.
func (s *Store) GetRouterState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %s: %w", key, err)
	}
	return v, nil
}

// SetRouterState upserts a global key.
func (s *Store) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set router state %s: %w", key, err)
	}
	return nil
}
