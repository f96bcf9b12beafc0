package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
	"github.com/nextlevelbuilder/shepherd/internal/scheduler"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// dispatch routes a validated payload. source is the folder the file was
// found under; it is the sole identity used for authorization.
func (w *Watcher) dispatch(ctx context.Context, source string, p Payload) error {
	switch p.Type {
	case TypeMessage:
		return w.dispatchMessage(ctx, source, p)
	case TypeScheduleTask:
		return w.dispatchScheduleTask(ctx, source, p)
	case TypePauseTask:
		return w.dispatchTaskStatus(ctx, source, p.TaskID, store.TaskPaused)
	case TypeResumeTask:
		return w.dispatchTaskStatus(ctx, source, p.TaskID, store.TaskActive)
	case TypeCancelTask:
		return w.dispatchCancelTask(ctx, source, p.TaskID)
	case TypeRefreshGroups:
		return w.dispatchRefreshGroups(ctx, source)
	case TypeRegisterGroup:
		return w.dispatchRegisterGroup(ctx, source, p)
	default:
		return fmt.Errorf("unhandled payload type %q", p.Type)
	}
}

func (w *Watcher) isMain(source string) bool { return source == w.cfg.MainFolder }

// dispatchMessage sends text to a chat. Main may address any registered jid;
// other groups only their own.
func (w *Watcher) dispatchMessage(ctx context.Context, source string, p Payload) error {
	target, err := w.groupForJID(ctx, p.ChatJID)
	if err != nil {
		return fmt.Errorf("message target %s not registered: %w", p.ChatJID, err)
	}
	if !w.isMain(source) && target.Folder != source {
		return fmt.Errorf("group %q not authorized to message %s (owned by %q)",
			source, p.ChatJID, target.Folder)
	}

	text := p.Text
	if p.Sender != "" {
		text = p.Sender + ": " + text
	}
	if err := w.send(ctx, p.ChatJID, text); err != nil {
		return fmt.Errorf("send to %s: %w", p.ChatJID, err)
	}
	slog.Info("ipc message delivered", "source", source, "jid", p.ChatJID)
	return nil
}

func (w *Watcher) dispatchScheduleTask(ctx context.Context, source string, p Payload) error {
	targetFolder := p.TargetFolder
	if targetFolder == "" {
		targetFolder = source
	}
	if !w.isMain(source) && targetFolder != source {
		return fmt.Errorf("group %q not authorized to schedule for %q", source, targetFolder)
	}

	target, err := w.st.GetGroupByFolder(ctx, targetFolder)
	if err != nil {
		return fmt.Errorf("schedule target folder %q: %w", targetFolder, err)
	}

	next, err := scheduler.NextRun(p.ScheduleType, p.ScheduleValue, time.Now(), w.cfg.Timezone, false)
	if err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}

	task := &store.ScheduledTask{
		GroupFolder:   target.Folder,
		ChatJID:       target.JID,
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   p.ContextMode,
		NextRun:       bus.FormatTimestamp(next),
	}
	if err := w.st.CreateTask(ctx, task); err != nil {
		return err
	}
	slog.Info("task scheduled via ipc",
		"source", source, "task", task.ID, "folder", target.Folder,
		"type", p.ScheduleType, "next_run", task.NextRun)
	return nil
}

// authorizeTaskOwner loads a task and checks the source may manage it.
func (w *Watcher) authorizeTaskOwner(ctx context.Context, source, taskID string) (store.ScheduledTask, error) {
	task, err := w.st.GetTask(ctx, taskID)
	if err != nil {
		return store.ScheduledTask{}, err
	}
	if !w.isMain(source) && task.GroupFolder != source {
		return store.ScheduledTask{}, fmt.Errorf("group %q not authorized to manage task %s (owned by %q)",
			source, taskID, task.GroupFolder)
	}
	return task, nil
}

func (w *Watcher) dispatchTaskStatus(ctx context.Context, source, taskID, status string) error {
	if _, err := w.authorizeTaskOwner(ctx, source, taskID); err != nil {
		return err
	}
	if err := w.st.SetTaskStatus(ctx, taskID, status); err != nil {
		return err
	}
	slog.Info("task status changed via ipc", "source", source, "task", taskID, "status", status)
	return nil
}

func (w *Watcher) dispatchCancelTask(ctx context.Context, source, taskID string) error {
	if _, err := w.authorizeTaskOwner(ctx, source, taskID); err != nil {
		return err
	}
	if err := w.st.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	slog.Info("task canceled via ipc", "source", source, "task", taskID)
	return nil
}

func (w *Watcher) dispatchRefreshGroups(ctx context.Context, source string) error {
	if !w.isMain(source) {
		return fmt.Errorf("group %q not authorized to refresh groups", source)
	}
	if w.onGroupsChanged != nil {
		w.onGroupsChanged(ctx)
	}
	slog.Info("group snapshot refresh requested via ipc", "source", source)
	return nil
}

func (w *Watcher) dispatchRegisterGroup(ctx context.Context, source string, p Payload) error {
	if !w.isMain(source) {
		return fmt.Errorf("group %q not authorized to register groups", source)
	}

	requiresTrigger := true
	if p.RequiresTrigger != nil {
		requiresTrigger = *p.RequiresTrigger
	}
	g := store.RegisteredGroup{
		JID:             p.JID,
		Name:            p.Name,
		Folder:          p.Folder,
		RequiresTrigger: requiresTrigger,
	}
	if err := w.st.RegisterGroup(ctx, g); err != nil {
		return err
	}
	if err := EnsureGroupDirs(w.cfg.Root, g.Folder); err != nil {
		return err
	}
	if w.onGroupsChanged != nil {
		w.onGroupsChanged(ctx)
	}
	slog.Info("group registered via ipc", "source", source, "jid", g.JID, "folder", g.Folder)
	return nil
}
