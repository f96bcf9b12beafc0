package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/shepherd/internal/agent"
	"github.com/nextlevelbuilder/shepherd/internal/bus"
	"github.com/nextlevelbuilder/shepherd/internal/config"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// fakeChannel captures outbound sends for assertions.
type fakeChannel struct {
	mu   sync.Mutex
	sent []string // "jid|text"
}

func (f *fakeChannel) Name() string                         { return "fake" }
func (f *fakeChannel) Connect(ctx context.Context) error    { return nil }
func (f *fakeChannel) Disconnect(ctx context.Context) error { return nil }
func (f *fakeChannel) OwnsJID(jid string) bool              { return strings.HasPrefix(jid, "tg:") }
func (f *fakeChannel) SetTyping(ctx context.Context, jid string, typing bool) error {
	return nil
}
func (f *fakeChannel) SendMessage(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, jid+"|"+text)
	return nil
}
func (f *fakeChannel) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// okAgent is a shell agent that records its stdin and answers with one result.
const okAgent = `cat > stdin.json; printf '%s' '<<<SHEPHERD:7f3a:BEGIN>>>{"status":"success","result":"agent says hi","newSessionId":"sess-1"}<<<SHEPHERD:7f3a:END>>>'`

func newTestOrchestrator(t *testing.T, script string) (*Orchestrator, *store.Store, *fakeChannel, *config.Config) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based agent tests are unix-only")
	}

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Agent.Command = "/bin/sh"
	cfg.Agent.Args = []string{"-c", script}
	cfg.Agent.IdleTimeout = config.Duration(time.Minute)
	cfg.Agent.Grace = config.Duration(10 * time.Second)
	cfg.Queue.RetryBase = config.Duration(10 * time.Millisecond)
	cfg.Queue.MaxRetries = 1
	cfg.Scheduler.Timezone = "UTC"

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	runner := agent.NewRunner(cfg.Agent, cfg.Assistant.Name, false)
	o := New(cfg, st, runner)
	fc := &fakeChannel{}
	o.AddChannel(fc)
	return o, st, fc, cfg
}

func registerGroup(t *testing.T, st *store.Store, jid, folder string, requiresTrigger bool) {
	t.Helper()
	err := st.RegisterGroup(context.Background(), store.RegisteredGroup{
		JID: jid, Name: folder, Folder: folder, RequiresTrigger: requiresTrigger,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func inbound(jid, id, ts, content string) bus.Message {
	return bus.Message{
		ID: id, ChatJID: jid, SenderID: "u1", SenderName: "alice",
		Content: content, Timestamp: ts,
	}
}

func waitSends(t *testing.T, fc *fakeChannel, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := fc.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sends = %v, want %d", fc.snapshot(), want)
	return nil
}

func TestOrchestrator_MessageToReplyRoundTrip(t *testing.T) {
	o, st, fc, _ := newTestOrchestrator(t, okAgent)
	registerGroup(t, st, "tg:1", "main", false)
	ctx := context.Background()

	ts := "2026-01-01T10:00:01.000Z"
	o.OnMessage(inbound("tg:1", "m1", ts, "hello assistant"))

	sent := waitSends(t, fc, 1)
	if sent[0] != "tg:1|agent says hi" {
		t.Errorf("sent = %v", sent)
	}

	// Cursor confirmed, nothing left in flight, session persisted.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := st.GetAgentCursor(ctx, "tg:1"); cur == ts {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cur, err := st.GetAgentCursor(ctx, "tg:1")
	if err != nil || cur != ts {
		t.Errorf("confirmed cursor = %q, %v", cur, err)
	}
	if pending, _ := st.ListPendingCursors(ctx); len(pending) != 0 {
		t.Errorf("pending cursors remain: %+v", pending)
	}
	if sess, _ := st.GetSession(ctx, "main"); sess != "sess-1" {
		t.Errorf("session = %q", sess)
	}
}

func TestOrchestrator_UnregisteredChatStoredNotDispatched(t *testing.T) {
	o, st, fc, _ := newTestOrchestrator(t, okAgent)
	ctx := context.Background()

	o.OnMessage(inbound("tg:404", "m1", "2026-01-01T10:00:01.000Z", "anyone there?"))

	time.Sleep(100 * time.Millisecond)
	if got := fc.snapshot(); len(got) != 0 {
		t.Errorf("unregistered chat got a reply: %v", got)
	}
	msgs, err := st.GetMessagesSince(ctx, "tg:404", "", "")
	if err != nil || len(msgs) != 1 {
		t.Errorf("message not stored: %v, %v", msgs, err)
	}
}

func TestOrchestrator_TriggerGating(t *testing.T) {
	o, st, fc, cfg := newTestOrchestrator(t, okAgent)
	registerGroup(t, st, "tg:2", "family", true)

	// Untriggered chatter accumulates without an agent run.
	o.OnMessage(inbound("tg:2", "m1", "2026-01-01T10:00:01.000Z", "just chatting"))
	time.Sleep(150 * time.Millisecond)
	if got := fc.snapshot(); len(got) != 0 {
		t.Fatalf("untriggered message got a reply: %v", got)
	}

	// The trigger fires a run whose prompt carries the accumulated context.
	o.OnMessage(inbound("tg:2", "m2", "2026-01-01T10:00:02.000Z", "@andy summarize"))
	waitSends(t, fc, 1)

	stdin, err := os.ReadFile(filepath.Join(cfg.GroupsDir(), "family", "stdin.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(stdin), "just chatting") || !strings.Contains(string(stdin), "@andy summarize") {
		t.Errorf("prompt missing accumulated context: %s", stdin)
	}
}

func TestOrchestrator_FailedRunLeavesCursorForRetry(t *testing.T) {
	o, st, fc, _ := newTestOrchestrator(t, `cat > /dev/null; exit 1`)
	registerGroup(t, st, "tg:1", "main", false)
	ctx := context.Background()

	o.OnMessage(inbound("tg:1", "m1", "2026-01-01T10:00:01.000Z", "hello"))

	// Initial attempt plus one retry, both failing: no reply, no confirmed
	// cursor, no stuck pending row.
	time.Sleep(500 * time.Millisecond)
	if got := fc.snapshot(); len(got) != 0 {
		t.Errorf("failed run produced sends: %v", got)
	}
	if cur, _ := st.GetAgentCursor(ctx, "tg:1"); cur != "" {
		t.Errorf("cursor advanced past unprocessed messages: %q", cur)
	}
	if pending, _ := st.ListPendingCursors(ctx); len(pending) != 0 {
		t.Errorf("pending cursor leaked: %+v", pending)
	}
}

func TestOrchestrator_PartialOutputPromotesCursor(t *testing.T) {
	// Output reached the user, then the agent died: reprocessing would send a
	// duplicate, so the batch is confirmed anyway.
	script := `cat > /dev/null; printf '%s' '<<<SHEPHERD:7f3a:BEGIN>>>{"status":"success","result":"partial answer"}<<<SHEPHERD:7f3a:END>>>'; exit 1`
	o, st, fc, _ := newTestOrchestrator(t, script)
	registerGroup(t, st, "tg:1", "main", false)
	ctx := context.Background()

	ts := "2026-01-01T10:00:01.000Z"
	o.OnMessage(inbound("tg:1", "m1", ts, "hello"))
	waitSends(t, fc, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := st.GetAgentCursor(ctx, "tg:1"); cur == ts {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cur, _ := st.GetAgentCursor(ctx, "tg:1"); cur != ts {
		t.Errorf("cursor not promoted after delivered output: %q", cur)
	}
	if got := fc.snapshot(); len(got) != 1 {
		t.Errorf("duplicate delivery: %v", got)
	}
}

func TestOrchestrator_InternalBlocksNeverReachChat(t *testing.T) {
	script := `cat > /dev/null; printf '%s' '<<<SHEPHERD:7f3a:BEGIN>>>{"status":"success","result":"<internal>thinking</internal>visible part"}<<<SHEPHERD:7f3a:END>>>'`
	o, st, fc, _ := newTestOrchestrator(t, script)
	registerGroup(t, st, "tg:1", "main", false)

	o.OnMessage(inbound("tg:1", "m1", "2026-01-01T10:00:01.000Z", "hi"))
	sent := waitSends(t, fc, 1)
	if sent[0] != "tg:1|visible part" {
		t.Errorf("sent = %v", sent)
	}
}

func TestOrchestrator_PipedFollowUpWhileRunning(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(t, okAgent)
	registerGroup(t, st, "tg:1", "main", false)
	ctx := context.Background()

	inputDir := filepath.Join(t.TempDir(), "input")
	o.Queue().RegisterProcess("tg:1", "main", inputDir)

	ts := "2026-01-01T10:00:05.000Z"
	o.OnMessage(inbound("tg:1", "m1", ts, "follow-up"))

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("piped files = %d, want 1", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(inputDir, entries[0].Name()))
	if !strings.Contains(string(data), "follow-up") {
		t.Errorf("piped payload = %s", data)
	}

	// Cursors advance optimistically: the live agent owns the message now.
	if cur, _ := st.GetAgentCursor(ctx, "tg:1"); cur != ts {
		t.Errorf("cursor = %q, want %q", cur, ts)
	}
}

func TestOrchestrator_RecoverPending(t *testing.T) {
	o, st, fc, _ := newTestOrchestrator(t, okAgent)
	registerGroup(t, st, "tg:1", "main", false)
	ctx := context.Background()

	// Simulate a crash mid-run: message stored, pending written, never
	// confirmed.
	ts := "2026-01-01T10:00:01.000Z"
	if err := st.StoreMessage(ctx, inbound("tg:1", "m1", ts, "lost in crash")); err != nil {
		t.Fatal(err)
	}
	if err := st.SetPendingCursor(ctx, "tg:1", ts); err != nil {
		t.Fatal(err)
	}

	if err := o.RecoverPending(ctx); err != nil {
		t.Fatal(err)
	}
	if pending, _ := st.ListPendingCursors(ctx); len(pending) != 0 {
		t.Fatalf("pending not cleared: %+v", pending)
	}

	// The unconfirmed batch is re-run and answered.
	waitSends(t, fc, 1)
}

func TestOrchestrator_RecoverResetsRunningTasks(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(t, okAgent)
	registerGroup(t, st, "tg:2", "family", false)
	ctx := context.Background()

	// The previous process died while this task was executing.
	task := &store.ScheduledTask{
		GroupFolder: "family", ChatJID: "tg:2", Prompt: "check the mail",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1h",
		Status:  store.TaskRunning,
		NextRun: bus.FormatTimestamp(time.Now().Add(-time.Minute)),
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := o.RecoverPending(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskActive {
		t.Errorf("status = %q, want %q", got.Status, store.TaskActive)
	}
	due, err := st.GetDueTasks(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("recovered task not schedulable: %+v", due)
	}
}

func TestOrchestrator_GroupTriggerToken(t *testing.T) {
	o, st, fc, _ := newTestOrchestrator(t, okAgent)
	err := st.RegisterGroup(context.Background(), store.RegisteredGroup{
		JID: "tg:3", Name: "ops", Folder: "ops",
		TriggerToken: "@helper", RequiresTrigger: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The global assistant name does not fire a group with its own token.
	o.OnMessage(inbound("tg:3", "m1", "2026-01-01T10:00:01.000Z", "@andy ping"))
	time.Sleep(150 * time.Millisecond)
	if got := fc.snapshot(); len(got) != 0 {
		t.Fatalf("global name triggered a token-overridden group: %v", got)
	}

	o.OnMessage(inbound("tg:3", "m2", "2026-01-01T10:00:02.000Z", "@helper ping"))
	waitSends(t, fc, 1)
}

func TestOrchestrator_BootstrapMainGroup(t *testing.T) {
	o, st, _, cfg := newTestOrchestrator(t, okAgent)
	cfg.MainChatJID = "tg:777"
	ctx := context.Background()

	if err := o.bootstrapMainGroup(ctx); err != nil {
		t.Fatal(err)
	}
	g, err := st.GetGroupByFolder(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if g.JID != "tg:777" || g.RequiresTrigger {
		t.Errorf("bootstrapped group = %+v", g)
	}

	// Second start with groups present is a no-op.
	if err := o.bootstrapMainGroup(ctx); err != nil {
		t.Fatal(err)
	}
	groups, _ := st.GetRegisteredGroups(ctx)
	if len(groups) != 1 {
		t.Errorf("groups = %+v", groups)
	}
}
