package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type itemRecorder struct {
	mu    sync.Mutex
	items []Item
	gate  chan struct{} // when non-nil, the first item blocks until closed
	once  sync.Once
}

func (r *itemRecorder) process(_ context.Context, item Item) {
	if r.gate != nil {
		r.once.Do(func() { <-r.gate })
	}
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
}

func (r *itemRecorder) recorded() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFIFOPerChat(t *testing.T) {
	rec := &itemRecorder{}
	q := New()
	q.SetProcessFunc(rec.process)
	defer q.Shutdown(time.Second)

	require.NoError(t, q.EnqueueSyntheticPrompt("tg:1", "p1"))
	require.NoError(t, q.EnqueueSyntheticPrompt("tg:1", "p2"))
	require.NoError(t, q.EnqueueSyntheticPrompt("tg:1", "p3"))

	waitFor(t, func() bool { return len(rec.recorded()) == 3 })
	items := rec.recorded()
	assert.Equal(t, "p1", items[0].Prompt)
	assert.Equal(t, "p2", items[1].Prompt)
	assert.Equal(t, "p3", items[2].Prompt)
}

func TestMessageChecksCoalesce(t *testing.T) {
	gate := make(chan struct{})
	rec := &itemRecorder{gate: gate}
	q := New()
	q.SetProcessFunc(rec.process)
	defer q.Shutdown(time.Second)

	// First check blocks the worker; it clears pendingCheck on pickup, so
	// exactly one more check can queue behind it and the rest coalesce.
	require.NoError(t, q.EnqueueMessageCheck("tg:1"))
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.workers["tg:1"].pendingCheck
	})

	require.NoError(t, q.EnqueueMessageCheck("tg:1"))
	require.NoError(t, q.EnqueueMessageCheck("tg:1"))
	require.NoError(t, q.EnqueueMessageCheck("tg:1"))

	close(gate)
	waitFor(t, func() bool { return len(rec.recorded()) == 2 })

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.recorded(), 2)
}

func TestChatsRunIndependently(t *testing.T) {
	gate := make(chan struct{})
	rec := &itemRecorder{}
	q := New()
	// tg:1's worker is stuck on the gate; tg:2's must still drain.
	q.SetProcessFunc(func(ctx context.Context, item Item) {
		if item.JID == "tg:1" {
			<-gate
		}
		rec.process(ctx, item)
	})
	defer q.Shutdown(time.Second)

	require.NoError(t, q.EnqueueSyntheticPrompt("tg:1", "slow"))
	require.NoError(t, q.EnqueueSyntheticPrompt("tg:2", "fast"))

	waitFor(t, func() bool {
		for _, it := range rec.recorded() {
			if it.JID == "tg:2" {
				return true
			}
		}
		return false
	})
	assert.Len(t, rec.recorded(), 1)
	close(gate)
}

type fakeProc struct {
	mu          sync.Mutex
	prompts     []string
	stdinClosed bool
	done        chan struct{}
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) SendPrompt(prompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return assert.AnError
	}
	p.prompts = append(p.prompts, prompt)
	return nil
}

func (p *fakeProc) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stdinClosed {
		p.stdinClosed = true
		close(p.done)
	}
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func TestProcessRegistry(t *testing.T) {
	q := New()
	q.SetProcessFunc(func(context.Context, Item) {})

	p := newFakeProc()
	q.RegisterProcess("tg:1", p)
	assert.Equal(t, AgentProcess(p), q.ActiveProcess("tg:1"))
	assert.Nil(t, q.ActiveProcess("tg:2"))

	// Unregister is a no-op for a process that was already replaced.
	p2 := newFakeProc()
	q.RegisterProcess("tg:1", p2)
	q.UnregisterProcess("tg:1", p)
	assert.Equal(t, AgentProcess(p2), q.ActiveProcess("tg:1"))

	q.UnregisterProcess("tg:1", p2)
	assert.Nil(t, q.ActiveProcess("tg:1"))
}

func TestSendMessageRequiresLiveAgent(t *testing.T) {
	q := New()
	q.SetProcessFunc(func(context.Context, Item) {})
	defer q.Shutdown(time.Second)

	assert.Error(t, q.SendMessage("tg:1", "hello"))

	p := newFakeProc()
	q.RegisterProcess("tg:1", p)
	require.NoError(t, q.SendMessage("tg:1", "hello"))
	assert.Equal(t, []string{"hello"}, p.prompts)

	// Closing stdin makes further sends fail.
	require.NoError(t, q.CloseStdin("tg:1"))
	assert.True(t, p.stdinClosed)
	assert.Error(t, q.SendMessage("tg:1", "too late"))

	// CloseStdin with no live agent is a no-op.
	assert.NoError(t, q.CloseStdin("tg:2"))
}

func TestIdleLatch(t *testing.T) {
	q := New()
	q.SetProcessFunc(func(context.Context, Item) {})
	defer q.Shutdown(time.Second)

	// Latching without a live agent does nothing.
	q.NotifyIdle("tg:1")
	assert.False(t, q.IdleNotified("tg:1"))

	p := newFakeProc()
	q.RegisterProcess("tg:1", p)
	q.NotifyIdle("tg:1")
	assert.True(t, q.IdleNotified("tg:1"))

	// A successful pipe means the agent is working again.
	require.NoError(t, q.SendMessage("tg:1", "more input"))
	assert.False(t, q.IdleNotified("tg:1"))

	q.NotifyIdle("tg:1")
	q.UnregisterProcess("tg:1", p)
	assert.False(t, q.IdleNotified("tg:1"))
}

func TestWorkerSurvivesPanic(t *testing.T) {
	rec := &itemRecorder{}
	q := New()
	q.SetProcessFunc(func(ctx context.Context, item Item) {
		if item.Prompt == "boom" {
			panic("processor exploded")
		}
		rec.process(ctx, item)
	})
	defer q.Shutdown(time.Second)

	require.NoError(t, q.EnqueueSyntheticPrompt("tg:1", "boom"))
	require.NoError(t, q.EnqueueSyntheticPrompt("tg:1", "after"))

	waitFor(t, func() bool { return len(rec.recorded()) == 1 })
	assert.Equal(t, "after", rec.recorded()[0].Prompt)
}

func TestShutdownClosesStdinAndRejectsWork(t *testing.T) {
	q := New()
	q.SetProcessFunc(func(context.Context, Item) {})

	p := newFakeProc()
	q.RegisterProcess("tg:1", p)

	done := make(chan struct{})
	go func() {
		q.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.True(t, p.stdinClosed)
	assert.Error(t, q.EnqueueMessageCheck("tg:1"))
	assert.Error(t, q.EnqueueSyntheticPrompt("tg:1", "x"))
}
