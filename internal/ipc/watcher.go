package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/shepherd/internal/store"
)

const (
	errorsMaxAge    = 7 * 24 * time.Hour
	errorsWarnCount = 50
	cleanupInterval = time.Hour
)

// SendFunc delivers an outbound message through a channel adapter.
type SendFunc func(ctx context.Context, jid, text string) error

// Config configures a Watcher.
type Config struct {
	Root            string // {data}/ipc
	MainFolder      string
	Tick            time.Duration
	MaxFilesPerTick int
	Timezone        *time.Location
}

// Watcher polls per-group IPC directories and dispatches agent-written
// payloads. A single fsnotify watch on the tree turns writes into immediate
// ticks; the poll interval is the driving fallback when inotify is
// unavailable or events are dropped.
type Watcher struct {
	cfg  Config
	st   *store.Store
	send SendFunc

	// onGroupsChanged is invoked after register_group / refresh_groups so the
	// orchestrator can resync its group snapshot.
	onGroupsChanged func(ctx context.Context)

	started atomic.Bool
	kick    chan struct{}
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg Config, st *store.Store, send SendFunc, onGroupsChanged func(ctx context.Context)) *Watcher {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MaxFilesPerTick <= 0 {
		cfg.MaxFilesPerTick = 50
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.Local
	}
	return &Watcher{
		cfg:             cfg,
		st:              st,
		send:            send,
		onGroupsChanged: onGroupsChanged,
		kick:            make(chan struct{}, 1),
	}
}

// Run drives the watcher until ctx is canceled. A second Run on the same
// Watcher is a no-op.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		slog.Warn("ipc watcher already started, ignoring second start")
		return nil
	}

	if err := os.MkdirAll(filepath.Join(w.cfg.Root, ErrorsDir), 0o755); err != nil {
		return fmt.Errorf("create ipc errors dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer fsw.Close()
		go w.forwardEvents(ctx, fsw)
	}

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		w.tickOnce(ctx, fsw)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.kick:
		case <-cleanup.C:
			w.sweepErrors(time.Now())
		}
	}
}

// forwardEvents collapses fsnotify events into tick kicks.
func (w *Watcher) forwardEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.kick <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify error", "error", err)
		}
	}
}

// tickOnce scans every group directory once, processing up to the per-tick
// cap in messages/ and tasks/ each.
func (w *Watcher) tickOnce(ctx context.Context, fsw *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read ipc root failed", "error", err)
		}
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == ErrorsDir {
			continue
		}
		source := e.Name()
		for _, sub := range []string{MessagesDir, TasksDir} {
			dir := filepath.Join(w.cfg.Root, source, sub)
			if fsw != nil {
				// Idempotent; keeps newly registered groups covered.
				_ = fsw.Add(dir)
			}
			w.processDir(ctx, source, sub, dir)
		}
	}
}

func (w *Watcher) processDir(ctx context.Context, source, kind, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read ipc dir failed", "dir", dir, "error", err)
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > w.cfg.MaxFilesPerTick {
		names = names[:w.cfg.MaxFilesPerTick]
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("read ipc file failed", "file", path, "error", err)
			continue
		}

		p, err := ParsePayload(data)
		if err == nil {
			err = w.checkKind(kind, p.Type)
		}
		if err == nil {
			err = w.dispatch(ctx, source, p)
		}
		if err != nil {
			slog.Warn("ipc payload rejected", "source", source, "file", name, "error", err)
			w.quarantine(source, name, path)
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("remove processed ipc file failed", "file", path, "error", err)
		}
	}
}

// checkKind keeps chat payloads in messages/ and management payloads in tasks/.
func (w *Watcher) checkKind(kind, payloadType string) error {
	isMessage := payloadType == TypeMessage
	if kind == MessagesDir && !isMessage {
		return fmt.Errorf("payload type %q not allowed in %s/", payloadType, MessagesDir)
	}
	if kind == TasksDir && isMessage {
		return fmt.Errorf("message payload not allowed in %s/", TasksDir)
	}
	return nil
}

// quarantine moves a rejected file into errors/ under a unique name so a
// looping agent cannot overwrite the evidence.
func (w *Watcher) quarantine(source, name, path string) {
	dst := filepath.Join(w.cfg.Root, ErrorsDir,
		fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), source, name))
	if err := os.Rename(path, dst); err != nil {
		slog.Error("quarantine ipc file failed", "file", path, "error", err)
		// Last resort: delete so the watcher does not reprocess it forever.
		_ = os.Remove(path)
	}
}

// sweepErrors deletes quarantined files older than a week and warns when the
// backlog suggests a misbehaving agent.
func (w *Watcher) sweepErrors(now time.Time) {
	dir := filepath.Join(w.cfg.Root, ErrorsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	remaining := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > errorsMaxAge {
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		remaining++
	}
	if remaining > errorsWarnCount {
		slog.Warn("ipc errors directory is accumulating rejected payloads",
			"count", remaining, "dir", dir)
	}
}

// groupForJID returns the registered group owning jid.
func (w *Watcher) groupForJID(ctx context.Context, jid string) (store.RegisteredGroup, error) {
	return w.st.GetGroupByJID(ctx, jid)
}
