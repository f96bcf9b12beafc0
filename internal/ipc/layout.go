package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/shepherd/internal/queue"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// Subdirectory names under {ipc}/{folder}/.
const (
	InputDir    = "input"    // orchestrator -> agent
	MessagesDir = "messages" // agent -> orchestrator (outbound chat)
	TasksDir    = "tasks"    // agent -> orchestrator (task management)
	ErrorsDir   = "errors"   // quarantine, directly under the IPC root
)

// GroupDir returns the IPC directory for a group folder.
func GroupDir(root, folder string) string { return filepath.Join(root, folder) }

// EnsureGroupDirs creates the input/messages/tasks tree for a group.
func EnsureGroupDirs(root, folder string) error {
	for _, sub := range []string{InputDir, MessagesDir, TasksDir} {
		if err := os.MkdirAll(filepath.Join(root, folder, sub), 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s/%s: %w", folder, sub, err)
		}
	}
	return nil
}

// taskSnapshot is one row of current_tasks.json.
type taskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	Status        string `json:"status"`
	NextRun       string `json:"nextRun,omitempty"`
	LastRun       string `json:"lastRun,omitempty"`
}

// groupSnapshot is one row of available_groups.json.
type groupSnapshot struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	RequiresTrigger bool   `json:"requiresTrigger"`
}

// WriteSnapshots refreshes current_tasks.json and available_groups.json for a
// group before an agent dispatch. The main group sees every task and group;
// other folders see only their own tasks.
func WriteSnapshots(ctx context.Context, st *store.Store, root, folder, mainFolder string) error {
	filter := folder
	if folder == mainFolder {
		filter = ""
	}
	tasks, err := st.ListTasks(ctx, filter)
	if err != nil {
		return err
	}
	taskRows := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		taskRows = append(taskRows, taskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
		})
	}

	groups, err := st.GetRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	groupRows := make([]groupSnapshot, 0, len(groups))
	for _, g := range groups {
		groupRows = append(groupRows, groupSnapshot{
			JID:             g.JID,
			Name:            g.Name,
			Folder:          g.Folder,
			RequiresTrigger: g.RequiresTrigger,
		})
	}

	if err := writeSnapshotFile(root, folder, "current_tasks.json", taskRows); err != nil {
		return err
	}
	return writeSnapshotFile(root, folder, "available_groups.json", groupRows)
}

func writeSnapshotFile(root, folder, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := queue.WriteFileAtomic(GroupDir(root, folder), name, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
