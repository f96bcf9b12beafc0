// Package orchestrator owns the coordination state of the assistant platform:
// it routes inbound channel messages to agent runs through the GroupQueue,
// maintains the two-phase message cursors, and composes the IPC watcher and
// the task scheduler.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/shepherd/internal/agent"
	"github.com/nextlevelbuilder/shepherd/internal/channels"
	"github.com/nextlevelbuilder/shepherd/internal/config"
	"github.com/nextlevelbuilder/shepherd/internal/ipc"
	"github.com/nextlevelbuilder/shepherd/internal/queue"
	"github.com/nextlevelbuilder/shepherd/internal/scheduler"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// lastTimestampKey is the router-state key tracking the highest message
// timestamp seen across all chats.
const lastTimestampKey = "last_timestamp"

// retentionInterval is how often the retention sweep runs.
const retentionInterval = 24 * time.Hour

// shutdownGrace bounds how long in-flight agent runs are awaited on stop.
const shutdownGrace = 30 * time.Second

// Orchestrator wires the store, queue, runner, watcher, scheduler and
// channels together. Constructed once in main; tests build isolated instances
// against fakes.
type Orchestrator struct {
	cfg      *config.Config
	st       *store.Store
	queue    *queue.GroupQueue
	runner   *agent.Runner
	watcher  *ipc.Watcher
	sched    *scheduler.Scheduler
	channels []channels.Channel
	loc      *time.Location
}

// New builds an Orchestrator from its collaborators. Channels are registered
// afterwards via AddChannel so their inbound handler can close over the
// orchestrator.
func New(cfg *config.Config, st *store.Store, runner *agent.Runner) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		st:     st,
		runner: runner,
		loc:    resolveTimezone(cfg.Scheduler.Timezone),
	}

	o.queue = queue.New(queue.Config{
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		RetryBase:     cfg.Queue.RetryBase.Std(),
		MaxRetries:    cfg.Queue.MaxRetries,
		RunMessages:   o.ProcessGroupMessages,
	})

	o.watcher = ipc.NewWatcher(ipc.Config{
		Root:            cfg.IPCDir(),
		MainFolder:      cfg.MainGroupFolder,
		Tick:            cfg.IPC.Tick.Std(),
		MaxFilesPerTick: cfg.IPC.MaxFilesPerTick,
		Timezone:        o.loc,
	}, st, o.sendToChat, o.onGroupsChanged)

	o.sched = scheduler.New(scheduler.Config{
		Tick:     cfg.Scheduler.Tick.Std(),
		Timezone: o.loc,
	}, st, o.queue, o.RunTask)

	return o
}

func resolveTimezone(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("invalid timezone, using local", "timezone", name, "error", err)
		return time.Local
	}
	return loc
}

// AddChannel registers a connected-later channel adapter.
func (o *Orchestrator) AddChannel(ch channels.Channel) {
	o.channels = append(o.channels, ch)
}

// Queue exposes the GroupQueue (used by tests and the doctor command).
func (o *Orchestrator) Queue() *queue.GroupQueue { return o.queue }

// channelFor finds the adapter owning a jid.
func (o *Orchestrator) channelFor(jid string) channels.Channel {
	for _, ch := range o.channels {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// sendToChat delivers text to whichever channel owns the jid.
func (o *Orchestrator) sendToChat(ctx context.Context, jid, text string) error {
	ch := o.channelFor(jid)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %s", jid)
	}
	return ch.SendMessage(ctx, jid, text)
}

// onGroupsChanged refreshes the per-group snapshot files after registration
// changes arriving via IPC.
func (o *Orchestrator) onGroupsChanged(ctx context.Context) {
	groups, err := o.st.GetRegisteredGroups(ctx)
	if err != nil {
		slog.Warn("group snapshot refresh failed", "error", err)
		return
	}
	for _, g := range groups {
		if err := ipc.WriteSnapshots(ctx, o.st, o.cfg.IPCDir(), g.Folder, o.cfg.MainGroupFolder); err != nil {
			slog.Warn("write group snapshots failed", "folder", g.Folder, "error", err)
		}
	}
}

// bootstrapMainGroup registers the configured main group when the group table
// is empty, so a fresh install answers its owner without manual registration.
func (o *Orchestrator) bootstrapMainGroup(ctx context.Context) error {
	groups, err := o.st.GetRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	if len(groups) > 0 || o.cfg.MainChatJID == "" {
		return nil
	}
	g := store.RegisteredGroup{
		JID:             o.cfg.MainChatJID,
		Name:            o.cfg.Assistant.Name,
		Folder:          o.cfg.MainGroupFolder,
		TriggerToken:    o.cfg.Trigger(),
		RequiresTrigger: false,
	}
	if err := o.st.RegisterGroup(ctx, g); err != nil {
		return fmt.Errorf("bootstrap main group: %w", err)
	}
	if err := ipc.EnsureGroupDirs(o.cfg.IPCDir(), g.Folder); err != nil {
		return err
	}
	slog.Info("registered main group", "jid", g.JID, "folder", g.Folder)
	return nil
}

// Run starts every subsystem and blocks until ctx is canceled, then shuts
// down gracefully: stop admissions, await in-flight runs, disconnect
// channels. Child agents left running self-terminate on their idle timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.bootstrapMainGroup(ctx); err != nil {
		return err
	}
	if err := o.RecoverPending(ctx); err != nil {
		return err
	}

	for _, ch := range o.channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect channel %s: %w", ch.Name(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.watcher.Run(gctx) })
	g.Go(func() error { return o.sched.Run(gctx) })
	g.Go(func() error { return o.retentionLoop(gctx) })

	<-gctx.Done()
	slog.Info("shutting down, draining active runs", "grace", shutdownGrace)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := o.queue.Shutdown(drainCtx); err != nil {
		slog.Warn("queue drain incomplete", "error", err)
	}

	discCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	for _, ch := range o.channels {
		if err := ch.Disconnect(discCtx); err != nil {
			slog.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// retentionLoop sweeps expired messages and run logs daily.
func (o *Orchestrator) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := o.st.RunRetentionSweep(ctx, time.Now(),
				o.cfg.Retention.MessageDays, o.cfg.Retention.RunLogDays)
			if err != nil {
				slog.Warn("retention sweep failed", "error", err)
				continue
			}
			if res.Messages > 0 || res.RunLogs > 0 {
				slog.Info("retention sweep done", "messages", res.Messages, "run_logs", res.RunLogs)
			}
		}
	}
}

// groupPaths returns the workspace, logs and IPC directories for a folder.
func (o *Orchestrator) groupPaths(folder string) (workDir, logsDir, ipcDir string) {
	workDir = filepath.Join(o.cfg.GroupsDir(), folder)
	logsDir = filepath.Join(workDir, "logs")
	ipcDir = ipc.GroupDir(o.cfg.IPCDir(), folder)
	return
}
