package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
)

// Schedule types and context modes for scheduled tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"

	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task statuses. "running" is set at dispatch time and filtered from the due
// query, so a slow run cannot be double-fired by the next scheduler tick.
const (
	TaskActive    = "active"
	TaskRunning   = "running"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ScheduledTask is a recurring or one-shot agent run bound to a group.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       string // "" = none
	LastRun       string
	LastResult    string
	CreatedAt     string
}

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      string
	DurationMS int64
	Status     string // "success" | "error"
	Result     string
	Error      string
}

// CreateTask inserts a new task, generating its id when empty.
func (s *Store) CreateTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	if t.CreatedAt == "" {
		t.CreatedAt = bus.FormatTimestamp(time.Now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, nullIfEmpty(t.NextRun), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id, ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, id string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks, optionally filtered to one group folder.
func (s *Store) ListTasks(ctx context.Context, folder string) ([]ScheduledTask, error) {
	q := taskSelect + ` ORDER BY created_at ASC`
	var args []any
	if folder != "" {
		q = taskSelect + ` WHERE group_folder = ? ORDER BY created_at ASC`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetDueTasks returns active tasks whose next_run has passed, soonest first.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`,
		TaskActive, bus.FormatTimestamp(now))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskStatus updates only the status column.
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteTaskRun records the outcome of a run: last_run/last_result, the next
// firing time ("" = none, task completed) and the restored status. The status
// column only changes while the row still reads "running"; a pause or cancel
// that landed mid-run wins over the completion.
func (s *Store) CompleteTaskRun(ctx context.Context, id, lastRun, lastResult, nextRun, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, last_result = ?, next_run = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?`,
		lastRun, nullIfEmpty(lastResult), nullIfEmpty(nextRun), TaskRunning, status, id)
	if err != nil {
		return fmt.Errorf("complete task %s run: %w", id, err)
	}
	return nil
}

// ResetRunningTasks flips every "running" task back to "active". Called at
// startup: a row still marked running belongs to a process that died mid-run,
// and the due query would otherwise skip it forever.
func (s *Store) ResetRunningTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE status = ?`, TaskActive, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTask removes a task; run logs cascade via the foreign key.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// LogTaskRun appends a run log row.
func (s *Store) LogTaskRun(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMS, l.Status, nullIfEmpty(l.Result), nullIfEmpty(l.Error))
	if err != nil {
		return fmt.Errorf("log task run %s: %w", l.TaskID, err)
	}
	return nil
}

const taskSelect = `
	SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	       context_mode, status, next_run, last_run, last_result, created_at
	FROM scheduled_tasks`

func scanTask(scan func(...any) error) (ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, lastResult sql.NullString
	if err := scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &lastRun, &lastResult,
		&t.CreatedAt); err != nil {
		return ScheduledTask{}, err
	}
	t.NextRun = nextRun.String
	t.LastRun = lastRun.String
	t.LastResult = lastResult.String
	return t, nil
}
