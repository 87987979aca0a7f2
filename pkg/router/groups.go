package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/store"
)

// RegisterGroup adds a chat to the bridge. The folder names the group's
// agent workspace under the workspace root; it is created if missing. The
// new group's delivery cursor starts at the current watermark so history
// from before registration is never delivered.
func (r *Router) RegisterGroup(jid, name, folder, trigger string) error {
	if err := config.ValidateGroupFolder(r.cfg.WorkspaceRoot, folder); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(r.cfg.WorkspaceRoot, folder), 0o755); err != nil {
		return fmt.Errorf("failed to create group workspace: %w", err)
	}

	g := &store.Group{
		JID:     jid,
		Name:    name,
		Folder:  folder,
		Trigger: trigger,
		AddedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.store.UpsertGroup(g); err != nil {
		return err
	}

	r.mu.Lock()
	r.groups[jid] = g
	_, hasCursor := r.cursors[jid]
	r.mu.Unlock()

	if !hasCursor {
		r.cursorFor(jid)
	}
	r.logger.Info("Registered group %s (%s) -> %s", name, jid, folder)
	return nil
}

// UnregisterGroup removes a chat from the bridge. Its messages, sessions,
// and cursor are kept so re-registering resumes where it left off.
func (r *Router) UnregisterGroup(jid string) error {
	if err := r.store.DeleteGroup(jid); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.groups, jid)
	r.mu.Unlock()
	r.logger.Info("Unregistered group %s", jid)
	return nil
}

// RegisteredGroups returns a copy of the JID -> group map.
func (r *Router) RegisteredGroups() map[string]*store.Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*store.Group, len(r.groups))
	for jid, g := range r.groups {
		out[jid] = g
	}
	return out
}

// Callbacks builds the inbound-event hooks handed to channel adapters.
func (r *Router) Callbacks() channel.Callbacks {
	return channel.Callbacks{
		OnMessage:         r.handleInbound,
		OnChatMetadata:    r.handleChatMetadata,
		OnOutgoingMessage: r.handleOutgoing,
		RegisteredGroups:  r.RegisteredGroups,
	}
}

// handleInbound records a message and, for registered chats whose batch
// would trigger, schedules a check ahead of the next poll tick.
func (r *Router) handleInbound(m *store.Message) {
	if err := r.store.InsertMessage(m); err != nil {
		r.logger.Error("Failed to store inbound message %s: %v", m.ID, err)
		return
	}

	group := r.groupFor(m.ChatJID)
	if group == nil || !r.shouldTrigger(group, []*store.Message{m}) {
		return
	}
	if err := r.queue.EnqueueMessageCheck(m.ChatJID); err != nil {
		r.logger.Error("Failed to enqueue check for %s: %v", m.ChatJID, err)
	}
}

func (r *Router) handleChatMetadata(c *store.Chat) {
	if err := r.store.UpsertChat(c); err != nil {
		r.logger.Error("Failed to upsert chat %s: %v", c.JID, err)
	}
}

// handleOutgoing records bridge-authored messages so the poll loop's
// watermark passes over them without ever delivering them to an agent.
func (r *Router) handleOutgoing(m *store.Message) {
	if err := r.store.InsertMessage(m); err != nil {
		r.logger.Error("Failed to store outgoing message %s: %v", m.ID, err)
	}
}

// rosterEntry is one row of the groups.json snapshot the agent reads.
type rosterEntry struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// writeSnapshots refreshes tasks.json and groups.json in a group's
// workspace before an agent run, so the agent sees current bridge state.
// The main group sees every task; other groups only their own.
func (r *Router) writeSnapshots(folder string) error {
	dir := filepath.Join(r.cfg.WorkspaceRoot, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}

	taskFilter := folder
	if folder == r.cfg.MainGroupFolder {
		taskFilter = ""
	}
	tasks, err := r.store.ListTasks(taskFilter)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	if err := writeJSON(filepath.Join(dir, "tasks.json"), tasks); err != nil {
		return err
	}

	roster, err := r.buildRoster()
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "groups.json"), roster)
}

// buildRoster merges known chats with the registered-groups map.
func (r *Router) buildRoster() ([]rosterEntry, error) {
	chats, err := r.store.ListChats()
	if err != nil {
		return nil, err
	}
	registered := r.RegisteredGroups()

	roster := make([]rosterEntry, 0, len(chats))
	seen := make(map[string]bool, len(chats))
	for _, c := range chats {
		seen[c.JID] = true
		roster = append(roster, rosterEntry{
			JID:          c.JID,
			Name:         c.Name,
			LastActivity: c.LastMessageTime,
			IsRegistered: registered[c.JID] != nil,
		})
	}
	// Registered groups with no chat traffic yet still belong in the roster.
	for jid, g := range registered {
		if !seen[jid] {
			roster = append(roster, rosterEntry{JID: jid, Name: g.Name, IsRegistered: true})
		}
	}
	return roster, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
