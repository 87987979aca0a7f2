package store

import (
	"database/sql"
	"fmt"
)

// Router cursor keys in the router_state KV table. Per-JID agent cursors are
// stored under agentCursorPrefix + jid.
const (
	keyLastTimestamp  = "last_timestamp"
	agentCursorPrefix = "last_agent_timestamp:"
)

// UpsertGroup registers a group or refreshes its metadata.
func (s *Store) UpsertGroup(g *Group) error {
	_, err := s.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_word, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_word = excluded.trigger_word`,
		g.JID, g.Name, g.Folder, g.Trigger, g.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group %s: %w", g.JID, err)
	}
	return nil
}

// ListGroups returns all registered groups.
func (s *Store) ListGroups() ([]*Group, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_word, added_at
		FROM registered_groups ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// DeleteGroup unregisters a group. Its messages and sessions are kept.
func (s *Store) DeleteGroup(jid string) error {
	if _, err := s.db.Exec(`DELETE FROM registered_groups WHERE jid = ?`, jid); err != nil {
		return fmt.Errorf("failed to delete group %s: %w", jid, err)
	}
	return nil
}

// GetSession returns the agent continuation handle for a group folder, or
// "" when the folder has no session yet.
func (s *Store) GetSession(groupFolder string) (string, error) {
	var sessionID string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session for %s: %w", groupFolder, err)
	}
	return sessionID, nil
}

// SetSession persists the agent continuation handle for a group folder.
func (s *Store) SetSession(groupFolder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id`,
		groupFolder, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to set session for %s: %w", groupFolder, err)
	}
	return nil
}

// GetLastTimestamp returns the global observation watermark ("" if unset).
func (s *Store) GetLastTimestamp() (string, error) {
	return s.getState(keyLastTimestamp)
}

// SetLastTimestamp persists the global observation watermark.
func (s *Store) SetLastTimestamp(ts string) error {
	return s.setState(keyLastTimestamp, ts)
}

// GetAgentCursor returns the delivery cursor for one chat ("" if unset).
func (s *Store) GetAgentCursor(jid string) (string, error) {
	return s.getState(agentCursorPrefix + jid)
}

// SetAgentCursor persists the delivery cursor for one chat. This is the
// exactly-once anchor; every advance and the single rollback go through here.
func (s *Store) SetAgentCursor(jid, ts string) error {
	return s.setState(agentCursorPrefix+jid, ts)
}

// LoadAgentCursors returns all per-chat delivery cursors keyed by JID.
func (s *Store) LoadAgentCursors() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM router_state WHERE key LIKE ?`, agentCursorPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query agent cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cursors := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors[key[len(agentCursorPrefix):]] = value
	}
	return cursors, rows.Err()
}

func (s *Store) getState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}
