// Package queue serializes agent work per chat JID. Each JID gets a lazily
// created worker goroutine draining a FIFO channel, so at most one agent run
// is in flight per chat while different chats proceed in parallel.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatbridge/pkg/logx"
)

const workerBuffer = 64

// ItemKind distinguishes queued work.
type ItemKind int

const (
	// KindMessageCheck asks the processor to drain pending chat messages.
	// At most one check is queued per JID; arrivals during a drain coalesce.
	KindMessageCheck ItemKind = iota

	// KindSyntheticPrompt carries a pre-built prompt (scheduled tasks).
	KindSyntheticPrompt
)

// Item is one unit of work for a chat.
type Item struct {
	Kind   ItemKind
	JID    string
	Prompt string
}

// ProcessFunc executes one item. It runs on the JID's worker goroutine, so
// it may block for the duration of an agent run.
type ProcessFunc func(ctx context.Context, item Item)

// AgentProcess is the slice of a running agent the queue tracks per JID.
type AgentProcess interface {
	SendPrompt(prompt string) error
	CloseStdin() error
	Done() <-chan struct{}
}

type worker struct {
	items        chan Item
	pendingCheck bool
}

// Queue owns the per-JID workers and the live-process registry.
type Queue struct {
	logger  *logx.Logger
	process ProcessFunc

	mu           sync.Mutex
	workers      map[string]*worker
	active       map[string]AgentProcess
	idleNotified map[string]bool
	stopped      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. SetProcessFunc must be called before any enqueue.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:       logx.NewLogger("queue"),
		workers:      make(map[string]*worker),
		active:       make(map[string]AgentProcess),
		idleNotified: make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetProcessFunc installs the item processor. Set once during wiring.
func (q *Queue) SetProcessFunc(fn ProcessFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

// EnqueueMessageCheck schedules a drain of pending messages for jid.
// Duplicate checks collapse into the one already queued.
func (q *Queue) EnqueueMessageCheck(jid string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return fmt.Errorf("queue is shut down")
	}
	w := q.workerLocked(jid)
	if w.pendingCheck {
		return nil
	}

	select {
	case w.items <- Item{Kind: KindMessageCheck, JID: jid}:
		w.pendingCheck = true
		return nil
	default:
		return fmt.Errorf("worker queue full for %s", jid)
	}
}

// EnqueueSyntheticPrompt schedules a pre-built prompt (task dispatch) for
// jid, behind any work already queued.
func (q *Queue) EnqueueSyntheticPrompt(jid, prompt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return fmt.Errorf("queue is shut down")
	}
	w := q.workerLocked(jid)

	select {
	case w.items <- Item{Kind: KindSyntheticPrompt, JID: jid, Prompt: prompt}:
		return nil
	default:
		return fmt.Errorf("worker queue full for %s", jid)
	}
}

// workerLocked returns the worker for jid, starting it on first use.
func (q *Queue) workerLocked(jid string) *worker {
	if w, ok := q.workers[jid]; ok {
		return w
	}

	w := &worker{items: make(chan Item, workerBuffer)}
	q.workers[jid] = w
	q.wg.Add(1)
	go q.run(jid, w)
	q.logger.Debug("Started worker for %s", jid)
	return w
}

func (q *Queue) run(jid string, w *worker) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-w.items:
			if item.Kind == KindMessageCheck {
				// Clear before processing so messages arriving mid-drain
				// queue a fresh check.
				q.mu.Lock()
				w.pendingCheck = false
				q.mu.Unlock()
			}

			q.mu.Lock()
			fn := q.process
			q.mu.Unlock()
			if fn == nil {
				q.logger.Error("No process func installed, dropping item for %s", jid)
				continue
			}
			q.safeProcess(fn, item)
		}
	}
}

// safeProcess keeps one chat's panic from taking down every other chat.
func (q *Queue) safeProcess(fn ProcessFunc, item Item) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Panic processing item for %s: %v", item.JID, r)
		}
	}()
	fn(q.ctx, item)
}

// SendMessage pipes a prompt into the live agent for jid. Fails when no
// agent is running or its stdin is already closed. A successful write
// consumes the idle latch; the agent is working again.
func (q *Queue) SendMessage(jid, prompt string) error {
	q.mu.Lock()
	p := q.active[jid]
	q.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no live agent for %s", jid)
	}
	if err := p.SendPrompt(prompt); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.idleNotified, jid)
	q.mu.Unlock()
	return nil
}

// CloseStdin closes the live agent's stdin for jid, if one is running. The
// idle-timeout path ends a run this way; the process then exits on its own.
func (q *Queue) CloseStdin(jid string) error {
	p := q.ActiveProcess(jid)
	if p == nil {
		return nil
	}
	return p.CloseStdin()
}

// NotifyIdle latches that jid's agent finished a turn and is waiting on
// stdin, so piping further input is preferred over spawning a new run.
func (q *Queue) NotifyIdle(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[jid] != nil {
		q.idleNotified[jid] = true
	}
}

// IdleNotified reports whether jid's live agent is between turns.
func (q *Queue) IdleNotified(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idleNotified[jid]
}

// RegisterProcess records the live agent for jid so later arrivals can be
// piped into its stdin instead of spawning a second run.
func (q *Queue) RegisterProcess(jid string, p AgentProcess) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[jid] = p
}

// UnregisterProcess clears the live agent for jid if it is still p.
func (q *Queue) UnregisterProcess(jid string, p AgentProcess) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[jid] == p {
		delete(q.active, jid)
		delete(q.idleNotified, jid)
	}
}

// ActiveProcess returns the live agent for jid, or nil.
func (q *Queue) ActiveProcess(jid string) AgentProcess {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[jid]
}

// Shutdown stops accepting work, closes stdin of live agents, and waits up
// to grace for workers to finish their current item.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.stopped = true
	procs := make([]AgentProcess, 0, len(q.active))
	for _, p := range q.active {
		procs = append(procs, p)
	}
	q.mu.Unlock()

	for _, p := range procs {
		_ = p.CloseStdin()
	}

	deadline := time.After(grace)
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-deadline:
			q.logger.Warn("Shutdown grace expired with agents still running")
			q.cancel()
			return
		}
	}

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("All workers stopped")
	case <-time.After(grace):
		q.logger.Warn("Timed out waiting for workers to stop")
	}
}
