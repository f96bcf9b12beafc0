package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingRunner lets tests hold runs open and observe concurrency.
type blockingRunner struct {
	mu      sync.Mutex
	started []string
	release map[string]chan struct{}

	active  atomic.Int32
	maxSeen atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(map[string]chan struct{})}
}

func (r *blockingRunner) run(ctx context.Context, jid string) error {
	n := r.active.Add(1)
	for {
		max := r.maxSeen.Load()
		if n <= max || r.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	r.mu.Lock()
	r.started = append(r.started, jid)
	ch, ok := r.release[jid]
	if !ok {
		ch = make(chan struct{})
		r.release[jid] = ch
	}
	r.mu.Unlock()

	<-ch
	r.active.Add(-1)
	return nil
}

func (r *blockingRunner) releaseJID(jid string) {
	r.mu.Lock()
	ch, ok := r.release[jid]
	if !ok {
		ch = make(chan struct{})
		r.release[jid] = ch
	}
	delete(r.release, jid)
	r.mu.Unlock()
	close(ch)
}

func (r *blockingRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestGroupQueue_SerializesPerGroup(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{MaxConcurrent: 5, RunMessages: r.run})

	q.EnqueueMessageCheck("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 1 })

	// Second check for the same group collapses into a pending flag.
	q.EnqueueMessageCheck("tg:1")
	q.EnqueueMessageCheck("tg:1")
	time.Sleep(20 * time.Millisecond)
	if got := r.startedCount(); got != 1 {
		t.Fatalf("started %d runs while group active, want 1", got)
	}

	r.releaseJID("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 2 })
	if got := r.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent for one group = %d, want 1", got)
	}
	r.releaseJID("tg:1")
}

func TestGroupQueue_GlobalCap(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{MaxConcurrent: 2, RunMessages: r.run})

	for _, jid := range []string{"tg:1", "tg:2", "tg:3", "tg:4"} {
		q.EnqueueMessageCheck(jid)
	}
	waitFor(t, func() bool { return r.startedCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := q.ActiveCount(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}

	// Freeing one slot admits the next waiting group, FIFO.
	r.releaseJID("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 3 })
	r.mu.Lock()
	third := r.started[2]
	r.mu.Unlock()
	if third != "tg:3" {
		t.Errorf("third run = %s, want tg:3", third)
	}

	r.releaseJID("tg:2")
	waitFor(t, func() bool { return r.startedCount() == 4 })
	r.releaseJID("tg:3")
	r.releaseJID("tg:4")
	waitFor(t, func() bool { return q.ActiveCount() == 0 })
	if got := r.maxSeen.Load(); got > 2 {
		t.Errorf("max concurrency %d exceeded cap 2", got)
	}
}

func TestGroupQueue_WaitlistDeduplicates(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{MaxConcurrent: 1, RunMessages: r.run})

	q.EnqueueMessageCheck("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 1 })

	for i := 0; i < 10; i++ {
		q.EnqueueMessageCheck("tg:2")
	}
	r.releaseJID("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 2 })
	r.releaseJID("tg:2")
	waitFor(t, func() bool { return q.ActiveCount() == 0 })

	// Ten enqueues for tg:2 while capped must yield exactly one run.
	time.Sleep(30 * time.Millisecond)
	if got := r.startedCount(); got != 2 {
		t.Errorf("started %d runs, want 2", got)
	}
}

func TestGroupQueue_TaskIdempotentByID(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{MaxConcurrent: 1, RunMessages: r.run})

	q.EnqueueMessageCheck("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 1 })

	var taskRuns atomic.Int32
	task := func(ctx context.Context) error {
		taskRuns.Add(1)
		return nil
	}
	for i := 0; i < 3; i++ {
		if !q.EnqueueTask("tg:1", "task-a", task) {
			t.Fatal("duplicate enqueue reported rejection")
		}
	}

	r.releaseJID("tg:1")
	waitFor(t, func() bool { return taskRuns.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := taskRuns.Load(); got != 1 {
		t.Errorf("task ran %d times, want 1", got)
	}
}

func TestGroupQueue_TasksDrainBeforeMessages(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{MaxConcurrent: 1, RunMessages: r.run})

	q.EnqueueMessageCheck("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 1 })

	var order []string
	var mu sync.Mutex
	q.EnqueueTask("tg:1", "t1", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "task")
		mu.Unlock()
		return nil
	})
	q.EnqueueMessageCheck("tg:1")

	r.releaseJID("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 2 })
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "task" {
		t.Errorf("pending task did not run before the pending message check: %v", order)
	}
	r.releaseJID("tg:1")
}

func TestGroupQueue_RetryWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	fail := func(ctx context.Context, jid string) error {
		attempts.Add(1)
		return context.DeadlineExceeded
	}
	q := New(Config{MaxConcurrent: 2, RetryBase: 5 * time.Millisecond, MaxRetries: 3, RunMessages: fail})

	q.EnqueueMessageCheck("tg:1")
	// 1 initial + 3 retries, then gives up until the next inbound trigger.
	waitFor(t, func() bool { return attempts.Load() == 4 })
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
}

func TestGroupQueue_ShutdownStopsAdmission(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{MaxConcurrent: 5, RunMessages: r.run})

	q.EnqueueMessageCheck("tg:1")
	waitFor(t, func() bool { return r.startedCount() == 1 })

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- q.Shutdown(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	q.EnqueueMessageCheck("tg:2")
	r.releaseJID("tg:1")

	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := r.startedCount(); got != 1 {
		t.Errorf("admission after shutdown: %d runs", got)
	}
}

func TestGroupQueue_EnqueueTaskRejectedDuringShutdown(t *testing.T) {
	q := New(Config{MaxConcurrent: 5, RunMessages: func(ctx context.Context, jid string) error { return nil }})

	var ran atomic.Int32
	if !q.EnqueueTask("tg:1", "t1", func(ctx context.Context) error { ran.Add(1); return nil }) {
		t.Fatal("enqueue rejected on an open queue")
	}
	waitFor(t, func() bool { return ran.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if q.EnqueueTask("tg:1", "t2", func(ctx context.Context) error { return nil }) {
		t.Error("enqueue accepted after shutdown")
	}
}

func TestGroupQueue_SendMessagePipesToInputDir(t *testing.T) {
	q := New(Config{MaxConcurrent: 5, RunMessages: func(ctx context.Context, jid string) error { return nil }})

	if q.SendMessage("tg:1", []byte("{}")) {
		t.Fatal("SendMessage succeeded with no live process")
	}

	dir := t.TempDir()
	q.RegisterProcess("tg:1", "family", dir)
	payload := []byte(`{"type":"message","text":"hi"}`)
	if !q.SendMessage("tg:1", payload) {
		t.Fatal("SendMessage failed with live process")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("piped file is not valid JSON: %v", err)
	}

	q.UnregisterProcess("tg:1")
	if q.SendMessage("tg:1", payload) {
		t.Error("SendMessage succeeded after unregister")
	}
}

func TestGroupQueue_CloseStdinWritesSentinel(t *testing.T) {
	q := New(Config{MaxConcurrent: 5, RunMessages: func(ctx context.Context, jid string) error { return nil }})
	dir := t.TempDir()
	q.RegisterProcess("tg:1", "family", dir)

	if !q.CloseStdin("tg:1") {
		t.Fatal("CloseStdin failed")
	}
	if _, err := os.Stat(filepath.Join(dir, CloseSentinel)); err != nil {
		t.Fatalf("close sentinel not written: %v", err)
	}
}

func TestWriteFileAtomic_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFileAtomic(dir, "out.json", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.json" {
		t.Fatalf("unexpected dir contents: %v", entries)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "out.json"))
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}
}
