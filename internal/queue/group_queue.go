// Package queue implements the per-group admission controller: at most one
// agent run per chat at a time, a global concurrency cap, FIFO fairness among
// waiting groups, and exponential-backoff retry after failed message runs.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CloseSentinel is the reserved input-directory filename that asks a running
// agent to wind down. Agents drain all other input files before honoring it.
const CloseSentinel = "_close"

// RunFunc executes one message-mode agent run for a jid. A non-nil error means
// the run produced no user-visible output and should be retried.
type RunFunc func(ctx context.Context, jid string) error

// TaskFunc executes one scheduled-task run for a jid.
type TaskFunc func(ctx context.Context) error

// Config configures a GroupQueue.
type Config struct {
	MaxConcurrent int
	RetryBase     time.Duration
	MaxRetries    int
	RunMessages   RunFunc
}

// GroupQueue serializes agent runs per jid under a global concurrency cap.
// All state mutations happen under a single mutex; the runs themselves execute
// in goroutines.
type GroupQueue struct {
	cfg Config

	mu          sync.Mutex
	groups      map[string]*groupState
	activeCount int
	waiting     []string
	waitingSet  map[string]bool
	shuttingDown bool
	inflight    sync.WaitGroup
}

type pendingTask struct {
	id string
	fn TaskFunc
}

type groupState struct {
	active          bool
	pendingMessages bool
	pendingTasks    []pendingTask
	pendingTaskIDs  map[string]bool
	retryCount      int

	// Set while an agent subprocess is live for this jid.
	hasProcess bool
	folder     string
	inputDir   string
}

// New creates a GroupQueue.
func New(cfg Config) *GroupQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &GroupQueue{
		cfg:        cfg,
		groups:     make(map[string]*groupState),
		waitingSet: make(map[string]bool),
	}
}

func (q *GroupQueue) group(jid string) *groupState {
	g, ok := q.groups[jid]
	if !ok {
		g = &groupState{pendingTaskIDs: make(map[string]bool)}
		q.groups[jid] = g
	}
	return g
}

// EnqueueMessageCheck requests a message run for jid. While the group is
// active the request collapses into a pending flag; while the cap is reached
// the group joins the waiting set (duplicate pushes are no-ops).
func (q *GroupQueue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}
	g := q.group(jid)
	if g.active {
		g.pendingMessages = true
		return
	}
	if q.activeCount >= q.cfg.MaxConcurrent {
		g.pendingMessages = true
		q.pushWaiting(jid)
		return
	}
	q.startMessageRunLocked(jid, g)
}

// EnqueueTask requests a task run for jid, idempotent by taskID while the task
// is still pending. Returns false when the queue is shutting down and the task
// was not accepted; the caller owns any state it set before enqueueing.
func (q *GroupQueue) EnqueueTask(jid, taskID string, fn TaskFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return false
	}
	g := q.group(jid)
	if g.pendingTaskIDs[taskID] {
		return true
	}
	if g.active || q.activeCount >= q.cfg.MaxConcurrent {
		g.pendingTasks = append(g.pendingTasks, pendingTask{id: taskID, fn: fn})
		g.pendingTaskIDs[taskID] = true
		if !g.active {
			q.pushWaiting(jid)
		}
		return true
	}
	q.startTaskRunLocked(jid, g, pendingTask{id: taskID, fn: fn})
	return true
}

// RegisterProcess attaches a live subprocess to the group so follow-up
// messages can be piped into its input directory.
func (q *GroupQueue) RegisterProcess(jid, folder, inputDir string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.group(jid)
	g.hasProcess = true
	g.folder = folder
	g.inputDir = inputDir
}

// UnregisterProcess detaches the subprocess (on exit).
func (q *GroupQueue) UnregisterProcess(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[jid]; ok {
		g.hasProcess = false
		g.inputDir = ""
	}
}

// SendMessage pipes payload to the live agent for jid by writing a uniquely
// named file into its input directory (write-temp-then-rename). Returns false
// when no agent is live for the group.
func (q *GroupQueue) SendMessage(jid string, payload []byte) bool {
	q.mu.Lock()
	g, ok := q.groups[jid]
	if !ok || !g.hasProcess || g.inputDir == "" {
		q.mu.Unlock()
		return false
	}
	dir := g.inputDir
	q.mu.Unlock()

	name := fmt.Sprintf("%d-%04d.json", time.Now().UnixMilli(), rand.Intn(10000))
	if err := WriteFileAtomic(dir, name, payload); err != nil {
		slog.Error("pipe message to agent failed", "jid", jid, "error", err)
		return false
	}
	return true
}

// CloseStdin asks the live agent for jid to wind down by dropping the close
// sentinel into its input directory.
func (q *GroupQueue) CloseStdin(jid string) bool {
	q.mu.Lock()
	g, ok := q.groups[jid]
	if !ok || !g.hasProcess || g.inputDir == "" {
		q.mu.Unlock()
		return false
	}
	dir := g.inputDir
	q.mu.Unlock()

	if err := WriteFileAtomic(dir, CloseSentinel, nil); err != nil {
		slog.Error("write close sentinel failed", "jid", jid, "error", err)
		return false
	}
	return true
}

// ActiveCount returns the number of currently running work items.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// Shutdown stops admitting work and waits for in-flight runs until ctx
// expires. In-flight runs hold the cursor-finalization step; skipping the wait
// would lose it.
func (q *GroupQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// pushWaiting adds jid to the waiting set unless already present. FIFO drain,
// O(1) membership.
func (q *GroupQueue) pushWaiting(jid string) {
	if q.waitingSet[jid] {
		return
	}
	q.waitingSet[jid] = true
	q.waiting = append(q.waiting, jid)
}

func (q *GroupQueue) startMessageRunLocked(jid string, g *groupState) {
	g.active = true
	g.pendingMessages = false
	q.activeCount++
	q.inflight.Add(1)

	go func() {
		err := q.cfg.RunMessages(context.Background(), jid)
		q.finishRun(jid, err, true)
	}()
}

func (q *GroupQueue) startTaskRunLocked(jid string, g *groupState, t pendingTask) {
	g.active = true
	delete(g.pendingTaskIDs, t.id)
	q.activeCount++
	q.inflight.Add(1)

	go func() {
		if err := t.fn(context.Background()); err != nil {
			slog.Error("task run failed", "jid", jid, "task", t.id, "error", err)
		}
		q.finishRun(jid, nil, false)
	}()
}

// finishRun releases the group and slot, schedules retry for failed message
// runs, then drains in order: this group's pending tasks, this group's pending
// messages, the global waiting set.
func (q *GroupQueue) finishRun(jid string, runErr error, messageMode bool) {
	q.mu.Lock()
	defer func() {
		q.mu.Unlock()
		q.inflight.Done()
	}()

	g := q.group(jid)
	g.active = false
	g.hasProcess = false
	g.inputDir = ""
	q.activeCount--

	if messageMode {
		if runErr != nil {
			g.retryCount++
			if g.retryCount <= q.cfg.MaxRetries {
				delay := q.cfg.RetryBase << (g.retryCount - 1)
				slog.Warn("agent run failed, scheduling retry",
					"jid", jid, "attempt", g.retryCount, "delay", delay, "error", runErr)
				time.AfterFunc(delay, func() { q.EnqueueMessageCheck(jid) })
			} else {
				slog.Error("agent run retries exhausted, awaiting next trigger",
					"jid", jid, "attempts", g.retryCount, "error", runErr)
				g.retryCount = 0
			}
		} else {
			g.retryCount = 0
		}
	}

	if q.shuttingDown {
		return
	}

	// Same-group work first: the freed slot is reused without going through
	// the waiting set, preserving per-group continuity.
	if len(g.pendingTasks) > 0 {
		t := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		q.startTaskRunLocked(jid, g, t)
		return
	}
	if g.pendingMessages {
		q.startMessageRunLocked(jid, g)
		return
	}
	q.drainWaitingLocked()
}

// drainWaitingLocked starts work for waiting groups while slots are free.
// Popped groups with no remaining pending work consume no slot.
func (q *GroupQueue) drainWaitingLocked() {
	for q.activeCount < q.cfg.MaxConcurrent && len(q.waiting) > 0 {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]
		delete(q.waitingSet, jid)

		g := q.group(jid)
		if g.active {
			continue
		}
		if len(g.pendingTasks) > 0 {
			t := g.pendingTasks[0]
			g.pendingTasks = g.pendingTasks[1:]
			q.startTaskRunLocked(jid, g, t)
			continue
		}
		if g.pendingMessages {
			q.startMessageRunLocked(jid, g)
		}
	}
}

// WriteFileAtomic writes data to dir/name via a temp file and rename, so a
// concurrent reader never observes a partial file.
func WriteFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
