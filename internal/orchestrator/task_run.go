package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/nextlevelbuilder/shepherd/internal/agent"
	"github.com/nextlevelbuilder/shepherd/internal/ipc"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// RunTask executes one scheduled task's agent run. It reuses the group
// session only for context_mode=group; isolated tasks start fresh. Streamed
// output goes to the task's chat like a normal run.
func (o *Orchestrator) RunTask(ctx context.Context, task store.ScheduledTask) (string, error) {
	isMain := task.GroupFolder == o.cfg.MainGroupFolder
	workDir, logsDir, ipcDir := o.groupPaths(task.GroupFolder)

	if err := ipc.EnsureGroupDirs(o.cfg.IPCDir(), task.GroupFolder); err != nil {
		return "", err
	}
	if err := ipc.WriteSnapshots(ctx, o.st, o.cfg.IPCDir(), task.GroupFolder, o.cfg.MainGroupFolder); err != nil {
		slog.Warn("write snapshots failed", "folder", task.GroupFolder, "error", err)
	}

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		var err error
		sessionID, err = o.st.GetSession(ctx, task.GroupFolder)
		if err != nil {
			slog.Warn("load session for task failed", "task", task.ID, "error", err)
		}
	}

	o.queue.RegisterProcess(task.ChatJID, task.GroupFolder, filepath.Join(ipcDir, ipc.InputDir))
	defer o.queue.UnregisterProcess(task.ChatJID)

	var outputSent atomic.Bool
	var lastText string
	result, runErr := o.runner.Run(ctx, agent.RunInput{
		GroupFolder:     task.GroupFolder,
		ChatJID:         task.ChatJID,
		IsMain:          isMain,
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		IsScheduledTask: true,
		WorkDir:         workDir,
		IPCDir:          ipcDir,
		LogsDir:         logsDir,
	}, func(rec agent.OutputRecord) error {
		if rec.HasResult() {
			if text := StripInternal(*rec.Result); text != "" {
				lastText = text
			}
		}
		return o.deliverRecord(ctx, task.ChatJID, task.GroupFolder, rec, &outputSent)
	})
	if runErr != nil {
		return "", fmt.Errorf("task %s agent run: %w", task.ID, runErr)
	}
	if !result.Succeeded && !outputSent.Load() {
		return "", fmt.Errorf("task %s run failed (exit %d)", task.ID, result.ExitCode)
	}
	return lastText, nil
}
