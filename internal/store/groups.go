package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
)

// RegisteredGroup is a conversation the orchestrator dispatches agents for.
// Channels deliver messages for any chat; only registered groups get runs.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	TriggerToken    string
	RequiresTrigger bool
	AgentConfig     string // opaque JSON blob forwarded to the agent, may be empty
	CreatedAt       string
}

var (
	folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	jidPattern    = regexp.MustCompile(`^(tg:-?\d+|[\w.+-]+@[\w.+-]+)$`)
)

// ValidateFolder reports whether name is a legal group folder name.
func ValidateFolder(name string) bool { return folderPattern.MatchString(name) }

// ValidateJID reports whether jid has a recognized channel-qualified shape.
func ValidateJID(jid string) bool { return jidPattern.MatchString(jid) }

// RegisterGroup validates and upserts a registered group.
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	if !ValidateFolder(g.Folder) {
		return fmt.Errorf("register group: invalid folder %q", g.Folder)
	}
	if !ValidateJID(g.JID) {
		return fmt.Errorf("register group: invalid jid %q", g.JID)
	}
	if len(g.Name) > 100 {
		return fmt.Errorf("register group: name too long (%d chars)", len(g.Name))
	}
	if g.CreatedAt == "" {
		g.CreatedAt = bus.FormatTimestamp(time.Now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (jid, name, folder, trigger_token, requires_trigger, agent_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			trigger_token = excluded.trigger_token,
			requires_trigger = excluded.requires_trigger,
			agent_config = excluded.agent_config`,
		g.JID, g.Name, g.Folder, g.TriggerToken, boolToInt(g.RequiresTrigger),
		nullIfEmpty(g.AgentConfig), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return nil
}

// GetRegisteredGroups returns all registered groups.
func (s *Store) GetRegisteredGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_token, requires_trigger, agent_config, created_at
		FROM registered_groups ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetGroupByJID returns the registered group for jid, ErrNotFound when absent.
func (s *Store) GetGroupByJID(ctx context.Context, jid string) (RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_token, requires_trigger, agent_config, created_at
		FROM registered_groups WHERE jid = ?`, jid)
	return scanGroupRow(row, jid)
}

// GetGroupByFolder returns the registered group for folder, ErrNotFound when absent.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_token, requires_trigger, agent_config, created_at
		FROM registered_groups WHERE folder = ?`, folder)
	return scanGroupRow(row, folder)
}

func scanGroupRow(row *sql.Row, key string) (RegisteredGroup, error) {
	g, err := scanGroup(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, fmt.Errorf("group %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("get group %s: %w", key, err)
	}
	return g, nil
}

func scanGroup(scan func(...any) error) (RegisteredGroup, error) {
	var g RegisteredGroup
	var requires int
	var agentCfg sql.NullString
	if err := scan(&g.JID, &g.Name, &g.Folder, &g.TriggerToken, &requires, &agentCfg, &g.CreatedAt); err != nil {
		return RegisteredGroup{}, err
	}
	g.RequiresTrigger = requires != 0
	g.AgentConfig = agentCfg.String
	return g, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetSession returns the persisted session id for a group folder, "" when none.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE group_folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", folder, err)
	}
	return id, nil
}

// SetSession upserts the session id for a group folder. Last write wins.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session %s: %w", folder, err)
	}
	return nil
}
