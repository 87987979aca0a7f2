package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// InsertMessage appends a message to the log. Messages are immutable once
// stored; the core never updates or deletes them.
func (s *Store) InsertMessage(m *Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolToInt(m.IsFromMe), boolToInt(m.IsBotMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

// UpsertChat records or refreshes chat metadata on an inbound event.
func (s *Store) UpsertChat(c *Chat) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time, is_group)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = excluded.last_message_time,
			is_group = excluded.is_group`,
		c.JID, c.Name, c.LastMessageTime, boolToInt(c.IsGroup),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chat %s: %w", c.JID, err)
	}
	return nil
}

// ListChats returns all known chats ordered by most recent activity.
func (s *Store) ListChats() ([]*Chat, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, last_message_time, is_group
		FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		var isGroup int
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime, &isGroup); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// GetNewMessages returns every message newer than sinceTs belonging to one
// of the given JIDs, excluding bot-authored rows, plus the maximum timestamp
// observed. The returned timestamp equals sinceTs when no rows match.
func (s *Store) GetNewMessages(jids []string, sinceTs, assistantName string) ([]*Message, string, error) {
	if len(jids) == 0 {
		return nil, sinceTs, nil
	}

	placeholders := strings.Repeat("?,", len(jids)-1) + "?"
	args := make([]any, 0, len(jids)+2)
	args = append(args, sinceTs)
	for _, jid := range jids {
		args = append(args, jid)
	}
	args = append(args, assistantName)

	//nolint:gosec // placeholders is built from "?," repetition only
	query := fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE timestamp > ? AND chat_jid IN (%s)
		  AND is_bot_message = 0 AND sender_name != ?
		ORDER BY timestamp, seq`, placeholders)

	messages, err := s.queryMessages(query, args...)
	if err != nil {
		return nil, "", err
	}

	newTs := sinceTs
	for _, m := range messages {
		if m.Timestamp > newTs {
			newTs = m.Timestamp
		}
	}
	return messages, newTs, nil
}

// GetMessagesSince returns all pending non-bot messages for one chat, newer
// than the given timestamp, in delivery order.
func (s *Store) GetMessagesSince(jid, sinceTs string) ([]*Message, error) {
	return s.queryMessages(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0
		ORDER BY timestamp, seq`, jid, sinceTs)
}

func (s *Store) queryMessages(query string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		var isFromMe, isBot int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &isFromMe, &isBot); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.IsFromMe = isFromMe != 0
		m.IsBotMessage = isBot != 0
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message row iteration failed: %w", err)
	}
	return messages, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrNoRows re-exports sql.ErrNoRows so callers don't import database/sql.
//
//nolint:gochecknoglobals
var ErrNoRows = sql.ErrNoRows
