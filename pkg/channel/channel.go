// Package channel defines the chat-channel adapter contract and routes
// outbound messages to the adapter that owns a JID.
//
// JIDs are opaque strings namespaced by a channel prefix (e.g. "tg:123");
// the prefix convention belongs to each adapter, not the core.
package channel

import (
	"context"
	"fmt"
	"sync"

	"chatbridge/pkg/logx"
	"chatbridge/pkg/store"
)

// Channel is the capability set the core consumes from a chat adapter.
type Channel interface {
	// SendMessage delivers text to the chat identified by jid.
	SendMessage(ctx context.Context, jid, text string) error

	// SetTyping toggles a typing indicator. Adapters are free to no-op.
	SetTyping(ctx context.Context, jid string, typing bool) error

	// Disconnect tears down the adapter's connection.
	Disconnect(ctx context.Context) error

	// OwnsJID reports whether this adapter handles the given JID.
	OwnsJID(jid string) bool
}

// Callbacks is how adapters hand inbound events to the core.
type Callbacks struct {
	// OnMessage records an inbound user message.
	OnMessage func(m *store.Message)

	// OnChatMetadata upserts chat metadata for an inbound event.
	OnChatMetadata func(c *store.Chat)

	// OnOutgoingMessage records text the bridge itself sent (is_bot_message).
	OnOutgoingMessage func(m *store.Message)

	// RegisteredGroups returns the current JID -> group map.
	RegisteredGroups func() map[string]*store.Group
}

// Registry routes outbound traffic to the first adapter whose OwnsJID
// matches. Adapters register once at startup; routing is read-mostly.
type Registry struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *logx.Logger
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{logger: logx.NewLogger("channel")}
}

// Add registers an adapter. Order matters: first match wins.
func (r *Registry) Add(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

func (r *Registry) find(jid string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("no channel owns jid %s", jid)
}

// SendMessage routes text to the adapter owning jid.
func (r *Registry) SendMessage(ctx context.Context, jid, text string) error {
	ch, err := r.find(jid)
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		return fmt.Errorf("send to %s failed: %w", jid, err)
	}
	return nil
}

// SetTyping routes a typing indicator to the adapter owning jid.
// Failures are logged, not returned: the indicator is cosmetic.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) {
	ch, err := r.find(jid)
	if err != nil {
		r.logger.Debug("typing indicator dropped: %v", err)
		return
	}
	if err := ch.SetTyping(ctx, jid, typing); err != nil {
		r.logger.Debug("typing indicator for %s failed: %v", jid, err)
	}
}

// DisconnectAll tears down every adapter, logging individual failures.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.RLock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Disconnect(ctx); err != nil {
			r.logger.Warn("channel disconnect failed: %v", err)
		}
	}
}
