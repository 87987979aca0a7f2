package store

import (
	"fmt"
	"time"
)

// Stored timestamps use RFC3339 UTC so string comparison matches time order.
const taskTimeLayout = time.RFC3339

// UpsertTask inserts or replaces a scheduled task.
func (s *Store) UpsertTask(t *Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, group_folder, prompt, schedule_type, schedule_value, status, next_run)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_folder = excluded.group_folder,
			prompt = excluded.prompt,
			schedule_type = excluded.schedule_type,
			schedule_value = excluded.schedule_value,
			status = excluded.status,
			next_run = excluded.next_run`,
		t.ID, t.GroupFolder, t.Prompt, t.ScheduleType, t.ScheduleValue, t.Status,
		t.NextRun.UTC().Format(taskTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskSchedule persists a task's status and next run time. The
// scheduler calls this before dispatching, so a crash after the write skips
// the occurrence rather than repeating it.
func (s *Store) UpdateTaskSchedule(id, status string, nextRun time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, next_run = ? WHERE id = ?`,
		status, nextRun.UTC().Format(taskTimeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]*Task, error) {
	return s.queryTasks(`
		SELECT id, group_folder, prompt, schedule_type, schedule_value, status, next_run
		FROM tasks WHERE status = ? AND next_run <= ?
		ORDER BY next_run`,
		TaskStatusActive, now.UTC().Format(taskTimeLayout))
}

// ListTasks returns every task, or only those for one group folder when
// folder is non-empty.
func (s *Store) ListTasks(folder string) ([]*Task, error) {
	if folder == "" {
		return s.queryTasks(`
			SELECT id, group_folder, prompt, schedule_type, schedule_value, status, next_run
			FROM tasks ORDER BY next_run`)
	}
	return s.queryTasks(`
		SELECT id, group_folder, prompt, schedule_type, schedule_value, status, next_run
		FROM tasks WHERE group_folder = ? ORDER BY next_run`, folder)
}

func (s *Store) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var nextRun string
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.Status, &nextRun); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		parsed, err := time.Parse(taskTimeLayout, nextRun)
		if err != nil {
			return nil, fmt.Errorf("task %s has malformed next_run %q: %w", t.ID, nextRun, err)
		}
		t.NextRun = parsed
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
