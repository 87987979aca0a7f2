// Package router is the bridge core: it watches the message log, decides
// which chats need an agent, and moves delivery cursors so every message
// reaches exactly one agent run.
//
// Two cursors drive delivery. The global observation watermark
// (last_timestamp) tracks how far the poll loop has read; per-chat delivery
// cursors (last_agent_timestamp) track what has been handed to an agent.
// Delivery cursors advance before a run starts and roll back only when the
// run ends in error without producing user-visible output.
package router

import (
	"context"
	"sync"
	"time"

	"chatbridge/pkg/agent"
	"chatbridge/pkg/config"
	"chatbridge/pkg/logx"
	"chatbridge/pkg/metrics"
	"chatbridge/pkg/queue"
	"chatbridge/pkg/store"
)

// Sender is the outbound slice of the channel registry.
type Sender interface {
	SendMessage(ctx context.Context, jid, text string) error
	SetTyping(ctx context.Context, jid string, typing bool)
}

// ProcessHandle is a running agent as the router sees it.
type ProcessHandle interface {
	SendPrompt(prompt string) error
	CloseStdin() error
	Done() <-chan struct{}
	Wait(ctx context.Context) (agent.Result, error)
}

// StartFunc launches an agent process.
type StartFunc func(ctx context.Context, req agent.StartRequest) (ProcessHandle, error)

// Options wires a Router.
type Options struct {
	Store  *store.Store
	Queue  *queue.Queue
	Sender Sender
	Start  StartFunc
	Config config.Config
}

// Router owns the poll loop and per-chat delivery state.
type Router struct {
	store  *store.Store
	queue  *queue.Queue
	sender Sender
	start  StartFunc
	cfg    config.Config
	logger *logx.Logger

	mu      sync.Mutex
	groups  map[string]*store.Group // keyed by JID
	cursors map[string]string       // per-JID delivery cursor
	lastTs  string                  // global observation watermark
	retry   map[string]bool         // chats rolled back, awaiting a poll-paced retry

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Router and installs its processor on the queue.
func New(opts Options) *Router {
	r := &Router{
		store:   opts.Store,
		queue:   opts.Queue,
		sender:  opts.Sender,
		start:   opts.Start,
		cfg:     opts.Config,
		logger:  logx.NewLogger("router"),
		groups:  make(map[string]*store.Group),
		cursors: make(map[string]string),
		retry:   make(map[string]bool),
	}
	opts.Queue.SetProcessFunc(r.processItem)
	return r
}

// Start loads persisted state, re-enqueues chats with pending messages, and
// begins polling. Call Stop to shut the loop down.
func (r *Router) Start(ctx context.Context) error {
	if err := r.loadState(); err != nil {
		return err
	}
	r.recoverPending()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	interval := r.cfg.PollInterval
	if interval <= 0 {
		// Poll as fast as possible but still yield between iterations.
		interval = time.Millisecond
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.poll(ctx)
			}
		}
	}()
	r.logger.Info("Polling every %s for %d registered groups", r.cfg.PollInterval, len(r.groups))
	return nil
}

// Stop halts the poll loop. Queue shutdown is the caller's job.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Router) loadState() error {
	groups, err := r.store.ListGroups()
	if err != nil {
		return logx.Wrap(err, "failed to load registered groups")
	}
	cursors, err := r.store.LoadAgentCursors()
	if err != nil {
		return logx.Wrap(err, "failed to load delivery cursors")
	}
	lastTs, err := r.store.GetLastTimestamp()
	if err != nil {
		return logx.Wrap(err, "failed to load observation watermark")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range groups {
		r.groups[g.JID] = g
	}
	r.cursors = cursors
	r.lastTs = lastTs
	return nil
}

// recoverPending enqueues a check for every chat whose delivery cursor lags
// the stored messages. Covers messages that arrived while the bridge was
// down, and batches rolled back by a failed run before a crash.
func (r *Router) recoverPending() {
	r.mu.Lock()
	jids := make([]string, 0, len(r.groups))
	for jid := range r.groups {
		jids = append(jids, jid)
	}
	r.mu.Unlock()

	for _, jid := range jids {
		msgs, err := r.store.GetMessagesSince(jid, r.cursorFor(jid))
		if err != nil {
			r.logger.Error("Recovery scan failed for %s: %v", jid, err)
			continue
		}
		if len(msgs) > 0 {
			r.logger.Info("Recovered %d pending messages for %s", len(msgs), jid)
			if err := r.queue.EnqueueMessageCheck(jid); err != nil {
				r.logger.Error("Failed to enqueue recovery check for %s: %v", jid, err)
			}
		}
	}
}

// poll advances the observation watermark and schedules checks for chats
// with new, trigger-matching messages, plus any chat awaiting a retry
// after a rollback.
func (r *Router) poll(ctx context.Context) {
	r.mu.Lock()
	jids := make([]string, 0, len(r.groups))
	for jid := range r.groups {
		jids = append(jids, jid)
	}
	lastTs := r.lastTs
	retries := make([]string, 0, len(r.retry))
	for jid := range r.retry {
		retries = append(retries, jid)
	}
	r.retry = make(map[string]bool)
	r.mu.Unlock()

	for _, jid := range retries {
		if err := r.queue.EnqueueMessageCheck(jid); err != nil {
			r.logger.Error("Failed to enqueue retry for %s: %v", jid, err)
		}
	}

	msgs, newTs, err := r.store.GetNewMessages(jids, lastTs, r.cfg.AssistantName)
	if err != nil {
		r.logger.Error("Poll query failed: %v", err)
		return
	}

	// Persist the watermark before dispatch. Delivery state lives in the
	// per-chat cursors, so observed-but-undispatched batches survive either
	// way; the watermark only has to never move backwards.
	if newTs != lastTs {
		if err := r.store.SetLastTimestamp(newTs); err != nil {
			r.logger.Error("Failed to persist observation watermark: %v", err)
			return
		}
		r.mu.Lock()
		r.lastTs = newTs
		r.mu.Unlock()
	}

	byChat := make(map[string][]*store.Message)
	for _, m := range msgs {
		byChat[m.ChatJID] = append(byChat[m.ChatJID], m)
	}

	for jid, chatMsgs := range byChat {
		metrics.MessagesObserved.WithLabelValues(jid).Add(float64(len(chatMsgs)))
		group := r.groupFor(jid)
		if group == nil || !r.shouldTrigger(group, chatMsgs) {
			continue
		}
		// A live agent takes the batch directly over stdin; otherwise the
		// chat's worker picks it up.
		if r.pipeToActive(ctx, jid) {
			continue
		}
		if err := r.queue.EnqueueMessageCheck(jid); err != nil {
			r.logger.Error("Failed to enqueue check for %s: %v", jid, err)
		}
	}
}

// shouldTrigger decides whether a batch of messages warrants an agent run.
// The main group always triggers; a per-group trigger word wins over the
// global pattern; with neither configured every message triggers.
func (r *Router) shouldTrigger(group *store.Group, msgs []*store.Message) bool {
	if group.Folder == r.cfg.MainGroupFolder {
		return true
	}
	if group.Trigger != "" {
		for _, m := range msgs {
			if containsWord(m.Content, group.Trigger) {
				return true
			}
		}
		return false
	}
	pattern := r.cfg.TriggerRegexp()
	if pattern == nil {
		return true
	}
	for _, m := range msgs {
		if pattern.MatchString(m.Content) {
			return true
		}
	}
	return false
}

func (r *Router) groupFor(jid string) *store.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[jid]
}

// cursorFor returns the delivery cursor for jid, seeding it with the current
// watermark on first touch so old history is never replayed into an agent.
func (r *Router) cursorFor(jid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor, ok := r.cursors[jid]; ok {
		return cursor
	}
	if err := r.setCursorLocked(jid, r.lastTs); err != nil {
		r.logger.Error("Failed to seed delivery cursor for %s: %v", jid, err)
	}
	return r.lastTs
}

// setCursor persists then caches a delivery cursor value. The lock is held
// across the write so claim, restore, and rollback serialize.
func (r *Router) setCursor(jid, ts string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setCursorLocked(jid, ts)
}

func (r *Router) setCursorLocked(jid, ts string) error {
	if err := r.store.SetAgentCursor(jid, ts); err != nil {
		return logx.Wrap(err, "failed to persist delivery cursor for "+jid)
	}
	r.cursors[jid] = ts
	return nil
}

// casCursor moves jid's cursor to ts only while it still holds expect.
// Returns false when a concurrent writer got there first.
func (r *Router) casCursor(jid, expect, ts string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors[jid] != expect {
		return false
	}
	if err := r.setCursorLocked(jid, ts); err != nil {
		r.logger.Error("%v", err)
	}
	return true
}
