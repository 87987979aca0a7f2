package channel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	prefix       string
	sent         []string
	typing       int
	disconnected bool
	sendErr      error
}

func (s *stubChannel) SendMessage(_ context.Context, jid, text string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, jid+": "+text)
	return nil
}

func (s *stubChannel) SetTyping(_ context.Context, _ string, typing bool) error {
	if typing {
		s.typing++
	}
	return nil
}

func (s *stubChannel) Disconnect(context.Context) error {
	s.disconnected = true
	return nil
}

func (s *stubChannel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, s.prefix)
}

func TestRegistryRoutesByOwnership(t *testing.T) {
	tg := &stubChannel{prefix: "tg:"}
	wa := &stubChannel{prefix: "wa:"}

	r := NewRegistry()
	r.Add(tg)
	r.Add(wa)

	ctx := context.Background()
	require.NoError(t, r.SendMessage(ctx, "tg:42", "hello telegram"))
	require.NoError(t, r.SendMessage(ctx, "wa:7", "hello whatsapp"))

	assert.Equal(t, []string{"tg:42: hello telegram"}, tg.sent)
	assert.Equal(t, []string{"wa:7: hello whatsapp"}, wa.sent)
}

func TestRegistryFirstMatchWins(t *testing.T) {
	first := &stubChannel{prefix: "tg:"}
	second := &stubChannel{prefix: "tg:"}

	r := NewRegistry()
	r.Add(first)
	r.Add(second)

	require.NoError(t, r.SendMessage(context.Background(), "tg:1", "hi"))
	assert.Len(t, first.sent, 1)
	assert.Empty(t, second.sent)
}

func TestRegistryUnknownJID(t *testing.T) {
	r := NewRegistry()
	r.Add(&stubChannel{prefix: "tg:"})

	err := r.SendMessage(context.Background(), "wa:1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no channel owns jid")
}

func TestRegistryTypingIsBestEffort(t *testing.T) {
	ch := &stubChannel{prefix: "tg:"}
	r := NewRegistry()
	r.Add(ch)

	ctx := context.Background()
	r.SetTyping(ctx, "tg:1", true)
	r.SetTyping(ctx, "wa:1", true) // no owner, silently dropped
	assert.Equal(t, 1, ch.typing)
}

func TestDisconnectAll(t *testing.T) {
	a := &stubChannel{prefix: "tg:"}
	b := &stubChannel{prefix: "wa:"}

	r := NewRegistry()
	r.Add(a)
	r.Add(b)
	r.DisconnectAll(context.Background())

	assert.True(t, a.disconnected)
	assert.True(t, b.disconnected)
}
