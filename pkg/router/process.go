package router

import (
	"context"
	"sync/atomic"
	"time"

	"chatbridge/pkg/agent"
	"chatbridge/pkg/metrics"
	"chatbridge/pkg/queue"
	"chatbridge/pkg/store"
)

// processItem is the queue's ProcessFunc. It runs on the chat's worker
// goroutine and blocks for the duration of an agent run.
func (r *Router) processItem(ctx context.Context, item queue.Item) {
	switch item.Kind {
	case queue.KindMessageCheck:
		r.processGroupMessages(ctx, item.JID)
	case queue.KindSyntheticPrompt:
		r.runSyntheticPrompt(ctx, item.JID, item.Prompt)
	}
}

// pipeToActive delivers pending messages into a live agent's stdin. Returns
// true when a live agent took the batch (or there was nothing to deliver),
// false when the caller should start a fresh run.
func (r *Router) pipeToActive(ctx context.Context, jid string) bool {
	if r.queue.ActiveProcess(jid) == nil {
		return false
	}

	cursor := r.cursorFor(jid)
	msgs, err := r.store.GetMessagesSince(jid, cursor)
	if err != nil {
		r.logger.Error("Failed to read pending messages for %s: %v", jid, err)
		return true
	}
	if len(msgs) == 0 {
		return true
	}

	// Claim before write; a claim piped into a run that later fails without
	// output is restored by that run's rollback.
	newCursor := maxTimestamp(msgs, cursor)
	if err := r.setCursor(jid, newCursor); err != nil {
		r.logger.Error("%v", err)
		return true
	}

	wasIdle := r.queue.IdleNotified(jid)
	if err := r.queue.SendMessage(jid, formatMessages(msgs)); err != nil {
		// Stdin already closed; undo the claim and start a fresh run. The
		// undo is conditional: if the dying run's rollback already moved the
		// cursor below our claim, restoring would strand its batch.
		r.logger.Debug("Pipe to live agent for %s failed: %v", jid, err)
		r.casCursor(jid, newCursor, cursor)
		return false
	}
	r.sender.SetTyping(ctx, jid, true)

	metrics.MessagesDelivered.WithLabelValues(jid).Add(float64(len(msgs)))
	state := "busy"
	if wasIdle {
		state = "idle"
	}
	r.logger.Info("Piped %d messages into %s agent for %s", len(msgs), state, jid)
	return true
}

// processGroupMessages drains pending messages for one chat into an agent
// run. This is the exactly-once path: the delivery cursor is advanced to the
// batch's last timestamp before the run starts, and rolled back only if the
// run fails without user-visible output.
func (r *Router) processGroupMessages(ctx context.Context, jid string) {
	group := r.groupFor(jid)
	if group == nil {
		return
	}
	if r.pipeToActive(ctx, jid) {
		return
	}

	cursor := r.cursorFor(jid)
	msgs, err := r.store.GetMessagesSince(jid, cursor)
	if err != nil {
		r.logger.Error("Failed to read pending messages for %s: %v", jid, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	newCursor := maxTimestamp(msgs, cursor)
	if err := r.setCursor(jid, newCursor); err != nil {
		r.logger.Error("%v", err)
		return
	}
	metrics.MessagesDelivered.WithLabelValues(jid).Add(float64(len(msgs)))

	r.runAgent(ctx, group, formatMessages(msgs), cursor, true)
}

// runSyntheticPrompt delivers a pre-built prompt (scheduled task). Synthetic
// prompts carry no message claim, so a failed run has nothing to roll back;
// at-most-once for tasks comes from the scheduler persisting before dispatch.
func (r *Router) runSyntheticPrompt(ctx context.Context, jid, prompt string) {
	group := r.groupFor(jid)
	if group == nil {
		return
	}

	if err := r.queue.SendMessage(jid, prompt); err == nil {
		r.logger.Info("Piped task prompt into live agent for %s", jid)
		return
	}
	r.runAgent(ctx, group, prompt, "", false)
}

// runAgent starts one agent process and blocks until it exits. prevCursor
// and claimed describe the message claim to restore on rollback.
func (r *Router) runAgent(ctx context.Context, group *store.Group, prompt, prevCursor string, claimed bool) {
	jid := group.JID

	session, err := r.store.GetSession(group.Folder)
	if err != nil {
		r.logger.Error("Failed to read session for %s: %v", group.Folder, err)
	}
	if err := r.writeSnapshots(group.Folder); err != nil {
		r.logger.Warn("Snapshot write failed for %s: %v", group.Folder, err)
	}

	r.sender.SetTyping(ctx, jid, true)
	defer r.sender.SetTyping(ctx, jid, false)

	var sentOutput atomic.Bool
	started := time.Now()

	proc, err := r.start(ctx, agent.StartRequest{
		GroupFolder: group.Folder,
		SessionID:   session,
		Prompt:      prompt,
		IdleTimeout: r.cfg.IdleTimeout,
		OnRecord: func(rec agent.Record) {
			r.handleRecord(ctx, group, rec, &sentOutput)
		},
		// Idle expiry goes through the queue so the close is visible to the
		// piping path.
		OnIdleTimeout: func() {
			if err := r.queue.CloseStdin(jid); err != nil {
				r.logger.Warn("Idle close for %s failed: %v", jid, err)
			}
		},
	})
	if err != nil {
		r.logger.Error("Failed to start agent for %s: %v", jid, err)
		metrics.ObserveRun(string(agent.OutcomeError), started)
		if claimed {
			r.rollback(jid, prevCursor)
		}
		return
	}

	r.queue.RegisterProcess(jid, proc)
	defer r.queue.UnregisterProcess(jid, proc)

	res, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		// Shutdown mid-run. Without output the batch was consumed by nobody;
		// restore the claim so the next boot redelivers it.
		r.logger.Warn("Agent run for %s interrupted: %v", jid, waitErr)
		if claimed && !sentOutput.Load() {
			r.rollback(jid, prevCursor)
		}
		return
	}

	metrics.ObserveRun(string(res.Outcome), started)
	if res.Outcome == agent.OutcomeError {
		r.logger.Error("Agent run for %s failed: %s", jid, res.ErrorText)
		if claimed && !sentOutput.Load() {
			r.rollback(jid, prevCursor)
		}
	}
}

// handleRecord reacts to one streamed agent record: session rotation first,
// then user-visible output.
func (r *Router) handleRecord(ctx context.Context, group *store.Group, rec agent.Record, sentOutput *atomic.Bool) {
	if rec.NewSessionID != "" {
		if err := r.store.SetSession(group.Folder, rec.NewSessionID); err != nil {
			r.logger.Error("Failed to persist session for %s: %v", group.Folder, err)
		}
	}

	// A success record means the agent finished a turn and is waiting on
	// stdin; prefer piping over spawning until it exits.
	if rec.Status == agent.StatusSuccess {
		r.queue.NotifyIdle(group.JID)
	}

	if rec.Result == "" {
		return
	}
	text := StripInternal(rec.Result)
	if text == "" {
		return
	}

	if err := r.sender.SendMessage(ctx, group.JID, text); err != nil {
		r.logger.Error("Failed to send agent output to %s: %v", group.JID, err)
		metrics.SendFailures.WithLabelValues(group.JID).Inc()
		return
	}
	sentOutput.Store(true)
}

// rollback restores a delivery cursor after a run that consumed messages
// but produced nothing. The retry is deferred to the next poll tick rather
// than re-enqueued immediately, so a persistently failing agent image is
// retried at poll cadence instead of in a tight loop.
func (r *Router) rollback(jid, prevCursor string) {
	r.logger.Warn("Rolling back delivery cursor for %s", jid)
	metrics.CursorRollbacks.Inc()
	if err := r.setCursor(jid, prevCursor); err != nil {
		r.logger.Error("%v", err)
		return
	}
	r.mu.Lock()
	r.retry[jid] = true
	r.mu.Unlock()
}

func maxTimestamp(msgs []*store.Message, floor string) string {
	ts := floor
	for _, m := range msgs {
		if m.Timestamp > ts {
			ts = m.Timestamp
		}
	}
	return ts
}
