// Package scheduler fires persisted tasks into group chats. Each task is a
// prompt with a cron, interval, or one-shot schedule. A task's next_run is
// persisted BEFORE its prompt is dispatched, so a crash between the two
// skips the occurrence instead of repeating it (at-most-once).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"chatbridge/pkg/logx"
	"chatbridge/pkg/metrics"
	"chatbridge/pkg/queue"
	"chatbridge/pkg/store"
)

// tickInterval bounds how late a task can fire.
const tickInterval = 30 * time.Second

// GroupsFunc returns the current JID -> registered group map.
type GroupsFunc func() map[string]*store.Group

// Scheduler polls the task table and dispatches due prompts.
type Scheduler struct {
	store  *store.Store
	queue  *queue.Queue
	groups GroupsFunc
	logger *logx.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. groups supplies the folder -> chat resolution at
// dispatch time, so group re-registration is picked up without restarts.
func New(st *store.Store, q *queue.Queue, groups GroupsFunc) *Scheduler {
	return &Scheduler{
		store:  st,
		queue:  q,
		groups: groups,
		logger: logx.NewLogger("scheduler"),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchDue(time.Now())
			}
		}
	}()
	s.logger.Info("Task scheduler started (tick %s)", tickInterval)
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// AddTask validates and persists a new task, computing its first run time.
func (s *Scheduler) AddTask(folder, prompt, scheduleType, scheduleValue string) (*store.Task, error) {
	t := &store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   folder,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		Status:        store.TaskStatusActive,
	}

	next, err := firstRun(t, time.Now())
	if err != nil {
		return nil, err
	}
	t.NextRun = next

	if err := s.store.UpsertTask(t); err != nil {
		return nil, err
	}
	s.logger.Info("Added %s task %s for %s, first run %s", scheduleType, t.ID, folder, next.Format(time.RFC3339))
	return t, nil
}

// RemoveTask deletes a task.
func (s *Scheduler) RemoveTask(id string) error {
	return s.store.DeleteTask(id)
}

// dispatchDue advances and fires every task whose next_run has passed.
func (s *Scheduler) dispatchDue(now time.Time) {
	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("Failed to query due tasks: %v", err)
		return
	}

	for _, t := range due {
		status, next, err := advance(t, now)
		if err != nil {
			// Unparseable schedule; park the task so it stops firing.
			s.logger.Error("Task %s has invalid schedule, marking done: %v", t.ID, err)
			if perr := s.store.UpdateTaskSchedule(t.ID, store.TaskStatusDone, t.NextRun); perr != nil {
				s.logger.Error("Failed to park task %s: %v", t.ID, perr)
			}
			continue
		}

		// Persist first. A crash here loses one occurrence, never doubles it.
		if err := s.store.UpdateTaskSchedule(t.ID, status, next); err != nil {
			s.logger.Error("Failed to advance task %s, skipping dispatch: %v", t.ID, err)
			continue
		}

		jid := s.jidForFolder(t.GroupFolder)
		if jid == "" {
			s.logger.Warn("Task %s targets unregistered folder %s, not dispatched", t.ID, t.GroupFolder)
			continue
		}

		// The task's prompt goes out verbatim; the agent sees exactly what
		// the user scheduled.
		if err := s.queue.EnqueueSyntheticPrompt(jid, t.Prompt); err != nil {
			s.logger.Error("Failed to dispatch task %s to %s: %v", t.ID, jid, err)
			continue
		}
		metrics.TaskDispatches.WithLabelValues(t.ScheduleType).Inc()
		s.logger.Info("Dispatched task %s to %s", t.ID, jid)
	}
}

func (s *Scheduler) jidForFolder(folder string) string {
	for jid, g := range s.groups() {
		if g.Folder == folder {
			return jid
		}
	}
	return ""
}

// firstRun computes a new task's initial next_run.
func firstRun(t *store.Task, now time.Time) (time.Time, error) {
	switch t.ScheduleType {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(t.ScheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", t.ScheduleValue, err)
		}
		return sched.Next(now), nil
	case store.ScheduleInterval:
		d, err := time.ParseDuration(t.ScheduleValue)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q", t.ScheduleValue)
		}
		return now.Add(d), nil
	case store.ScheduleOneShot:
		at, err := time.Parse(time.RFC3339, t.ScheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid one-shot time %q: %w", t.ScheduleValue, err)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// advance computes a fired task's next status and run time.
func advance(t *store.Task, now time.Time) (string, time.Time, error) {
	switch t.ScheduleType {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(t.ScheduleValue)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("invalid cron expression %q: %w", t.ScheduleValue, err)
		}
		return store.TaskStatusActive, sched.Next(now), nil
	case store.ScheduleInterval:
		d, err := time.ParseDuration(t.ScheduleValue)
		if err != nil || d <= 0 {
			return "", time.Time{}, fmt.Errorf("invalid interval %q", t.ScheduleValue)
		}
		return store.TaskStatusActive, now.Add(d), nil
	case store.ScheduleOneShot:
		return store.TaskStatusDone, t.NextRun, nil
	default:
		return "", time.Time{}, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}
