package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(id, jid, sender, content, ts string) *Message {
	return &Message{ID: id, ChatJID: jid, Sender: sender, SenderName: sender, Content: content, Timestamp: ts}
}

func TestMessageOrderingAndTieBreak(t *testing.T) {
	s := openTestStore(t)

	// Same timestamp on b and c: insertion order must win.
	require.NoError(t, s.InsertMessage(msg("a", "tg:1", "alice", "first", "2026-01-01T10:00:00Z")))
	require.NoError(t, s.InsertMessage(msg("b", "tg:1", "bob", "second", "2026-01-01T10:00:05Z")))
	require.NoError(t, s.InsertMessage(msg("c", "tg:1", "carol", "third", "2026-01-01T10:00:05Z")))

	got, err := s.GetMessagesSince("tg:1", "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)

	// Strictly-greater comparison: a message at the cursor is not pending.
	got, err = s.GetMessagesSince("tg:1", "2026-01-01T10:00:05Z")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetNewMessagesFiltering(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.InsertMessage(msg("a", "tg:1", "alice", "hi", "2026-01-01T10:00:00Z")))
	require.NoError(t, s.InsertMessage(msg("b", "tg:2", "bob", "other chat", "2026-01-01T10:00:01Z")))
	require.NoError(t, s.InsertMessage(&Message{
		ID: "bot", ChatJID: "tg:1", SenderName: "Assistant", Content: "reply",
		Timestamp: "2026-01-01T10:00:02Z", IsBotMessage: true,
	}))
	require.NoError(t, s.InsertMessage(&Message{
		ID: "named", ChatJID: "tg:1", SenderName: "Assistant", Content: "impostor",
		Timestamp: "2026-01-01T10:00:03Z",
	}))

	msgs, newTs, err := s.GetNewMessages([]string{"tg:1"}, "", "Assistant")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].ID)
	// Watermark only advances over returned rows.
	assert.Equal(t, "2026-01-01T10:00:00Z", newTs)

	// No JIDs means nothing to observe; watermark stays put.
	msgs, newTs, err = s.GetNewMessages(nil, "x", "Assistant")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, "x", newTs)
}

func TestChatUpsertPreservesName(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertChat(&Chat{JID: "tg:1", Name: "Team", LastMessageTime: "t1", IsGroup: true}))
	require.NoError(t, s.UpsertChat(&Chat{JID: "tg:1", Name: "", LastMessageTime: "t2", IsGroup: true}))

	chats, err := s.ListChats()
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "Team", chats[0].Name)
	assert.Equal(t, "t2", chats[0].LastMessageTime)
}

func TestCursorState(t *testing.T) {
	s := openTestStore(t)

	ts, err := s.GetLastTimestamp()
	require.NoError(t, err)
	assert.Empty(t, ts)

	require.NoError(t, s.SetLastTimestamp("2026-01-01T10:00:00Z"))
	ts, err = s.GetLastTimestamp()
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T10:00:00Z", ts)

	require.NoError(t, s.SetAgentCursor("tg:1", "c1"))
	require.NoError(t, s.SetAgentCursor("tg:2", "c2"))
	require.NoError(t, s.SetAgentCursor("tg:1", "c1b")) // overwrite

	cursors, err := s.LoadAgentCursors()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tg:1": "c1b", "tg:2": "c2"}, cursors)

	one, err := s.GetAgentCursor("tg:2")
	require.NoError(t, err)
	assert.Equal(t, "c2", one)
}

func TestGroupsAndSessions(t *testing.T) {
	s := openTestStore(t)

	g := &Group{JID: "tg:1", Name: "Team", Folder: "team", Trigger: "@bot", AddedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, s.UpsertGroup(g))

	groups, err := s.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "team", groups[0].Folder)

	sess, err := s.GetSession("team")
	require.NoError(t, err)
	assert.Empty(t, sess)

	require.NoError(t, s.SetSession("team", "sess-1"))
	require.NoError(t, s.SetSession("team", "sess-2"))
	sess, err = s.GetSession("team")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sess)

	require.NoError(t, s.DeleteGroup("tg:1"))
	groups, err = s.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertTask(&Task{
		ID: "t1", GroupFolder: "team", Prompt: "standup", ScheduleType: ScheduleInterval,
		ScheduleValue: "1h", Status: TaskStatusActive, NextRun: now.Add(-time.Minute),
	}))
	require.NoError(t, s.UpsertTask(&Task{
		ID: "t2", GroupFolder: "team", Prompt: "later", ScheduleType: ScheduleOneShot,
		ScheduleValue: "", Status: TaskStatusActive, NextRun: now.Add(time.Hour),
	}))

	due, err := s.DueTasks(now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].ID)

	require.NoError(t, s.UpdateTaskSchedule("t1", TaskStatusActive, now.Add(time.Hour)))
	due, err = s.DueTasks(now)
	require.NoError(t, err)
	assert.Empty(t, due)

	err = s.UpdateTaskSchedule("missing", TaskStatusDone, now)
	assert.Error(t, err)

	all, err := s.ListTasks("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTask("t2"))
	all, err = s.ListTasks("team")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
