// Package scheduler fires scheduled tasks: a tick loop queries the store for
// due tasks and hands each one to the GroupQueue, so task runs share the same
// per-group serialization and global cap as message runs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
	"github.com/nextlevelbuilder/shepherd/internal/queue"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// RunTaskFunc executes one task's agent run and returns its result text.
type RunTaskFunc func(ctx context.Context, task store.ScheduledTask) (string, error)

// Config configures the scheduler loop.
type Config struct {
	Tick     time.Duration
	Timezone *time.Location
}

// Scheduler polls for due tasks and enqueues them.
type Scheduler struct {
	cfg   Config
	st    *store.Store
	queue *queue.GroupQueue
	run   RunTaskFunc
}

// New creates a Scheduler. runFn does the actual agent work; the scheduler
// only owns timing and status transitions.
func New(cfg Config, st *store.Store, q *queue.GroupQueue, runFn RunTaskFunc) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.Local
	}
	return &Scheduler{cfg: cfg, st: st, queue: q, run: runFn}
}

// Run ticks until ctx is canceled. The first check happens one tick in, not
// immediately, so startup recovery finishes before tasks fire.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.CheckDue(ctx, time.Now())
		}
	}
}

// CheckDue dispatches every task due at now. Each dispatched task is flipped
// to "running" before it enters the queue; the due query only returns "active"
// rows, so a task still executing at the next tick cannot fire twice.
func (s *Scheduler) CheckDue(ctx context.Context, now time.Time) {
	due, err := s.st.GetDueTasks(ctx, now)
	if err != nil {
		slog.Error("due task query failed", "error", err)
		return
	}
	for _, task := range due {
		if err := s.st.SetTaskStatus(ctx, task.ID, store.TaskRunning); err != nil {
			slog.Warn("mark task running failed", "task", task.ID, "error", err)
			continue
		}
		t := task
		accepted := s.queue.EnqueueTask(t.ChatJID, t.ID, func(runCtx context.Context) error {
			return s.executeTask(runCtx, t.ID)
		})
		if !accepted {
			// Queue is shutting down; restore the row so the task is due
			// again after restart instead of stuck in "running".
			if err := s.st.SetTaskStatus(ctx, t.ID, store.TaskActive); err != nil {
				slog.Warn("restore task status after rejected enqueue failed",
					"task", t.ID, "error", err)
			}
		}
	}
}

// executeTask re-fetches the task (it may have been paused or canceled while
// queued), runs it, and records the outcome. The schedule row is advanced
// before the run log is written so a log failure never stalls the schedule.
func (s *Scheduler) executeTask(ctx context.Context, taskID string) error {
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		slog.Warn("task gone before execution", "task", taskID, "error", err)
		return nil
	}
	if task.Status != store.TaskRunning {
		slog.Info("skipping task no longer pending", "task", taskID, "status", task.Status)
		return nil
	}

	slog.Info("running scheduled task", "task", task.ID, "group", task.GroupFolder, "schedule", task.ScheduleType)
	start := time.Now()
	result, runErr := s.run(ctx, task)
	duration := time.Since(start)

	next, nextErr := NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), s.cfg.Timezone, true)
	if nextErr != nil {
		slog.Error("next-run computation failed, completing task",
			"task", task.ID, "error", nextErr)
	}
	nextStr := ""
	status := store.TaskCompleted
	if nextErr == nil && !next.IsZero() {
		nextStr = bus.FormatTimestamp(next)
		status = store.TaskActive
	}

	lastResult := result
	logStatus := "success"
	logErr := ""
	if runErr != nil {
		lastResult = "error: " + runErr.Error()
		logStatus = "error"
		logErr = runErr.Error()
	}

	ranAt := bus.FormatTimestamp(start)
	if err := s.st.CompleteTaskRun(ctx, task.ID, ranAt, lastResult, nextStr, status); err != nil {
		slog.Error("record task completion failed", "task", task.ID, "error", err)
	}
	if err := s.st.LogTaskRun(ctx, store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      ranAt,
		DurationMS: duration.Milliseconds(),
		Status:     logStatus,
		Result:     result,
		Error:      logErr,
	}); err != nil {
		slog.Warn("append task run log failed", "task", task.ID, "error", err)
	}

	if runErr != nil {
		slog.Warn("scheduled task run errored", "task", task.ID, "error", runErr, "next_run", nextStr)
	}
	return nil
}
