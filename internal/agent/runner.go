package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/shepherd/internal/config"
	"github.com/nextlevelbuilder/shepherd/internal/queue"
)

// RunInput describes one agent invocation.
type RunInput struct {
	GroupFolder string
	ChatJID     string
	IsMain      bool

	// Prompt is the formatted message batch or task prompt.
	Prompt string
	// SessionID resumes a prior conversation when non-empty.
	SessionID string
	// IsScheduledTask marks scheduler-initiated runs.
	IsScheduledTask bool
	// AgentConfig is the group's opaque config blob, forwarded verbatim.
	AgentConfig string

	// WorkDir is the group workspace (subprocess cwd).
	WorkDir string
	// IPCDir is the group's IPC directory ({data}/ipc/{folder}).
	IPCDir string
	// LogsDir receives the per-run log file.
	LogsDir string
}

// RunResult summarizes a finished run.
type RunResult struct {
	// Succeeded: exit 0 with no streamed error, or a hard timeout that had
	// already produced output (idle cleanup).
	Succeeded bool
	// ProducedOutput: at least one record carried user-visible text.
	ProducedOutput bool
	// TimedOut: the hard timeout killed the process.
	TimedOut  bool
	Truncated bool
	SessionID string
	ExitCode  int
	Duration  time.Duration
}

// stdinPayload is the one-shot JSON the subprocess reads before EOF. The API
// key travels only here, never via env or disk.
type stdinPayload struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
	AgentConfig     string `json:"agentConfig,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
}

// Runner spawns agent subprocesses.
type Runner struct {
	cfg           config.AgentConfig
	assistantName string
	verbose       bool
}

// NewRunner creates a Runner.
func NewRunner(cfg config.AgentConfig, assistantName string, verbose bool) *Runner {
	return &Runner{cfg: cfg, assistantName: assistantName, verbose: verbose}
}

// Run spawns the agent, streams its output, and blocks until it exits or the
// hard timeout fires. onRecord is invoked strictly serially, in parse order;
// a failing callback is logged and does not stop later callbacks.
func (r *Runner) Run(ctx context.Context, in RunInput, onRecord func(OutputRecord) error) (*RunResult, error) {
	start := time.Now()

	payload, err := json.Marshal(stdinPayload{
		Prompt:          in.Prompt,
		SessionID:       in.SessionID,
		IsScheduledTask: in.IsScheduledTask,
		AgentConfig:     in.AgentConfig,
		APIKey:          r.cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent payload: %w", err)
	}

	if err := os.MkdirAll(in.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	cmd := exec.Command(r.cfg.Command, r.cfg.Args...)
	cmd.Dir = in.WorkDir
	cmd.Env = scrubbedEnv(in, r.assistantName, r.verbose)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", r.cfg.Command, err)
	}

	// One-shot payload, then EOF. The payload buffer is not referenced again
	// after this write; the run log only ever sees a scrubbed copy.
	go func() {
		defer stdin.Close()
		if _, werr := stdin.Write(payload); werr != nil {
			slog.Warn("write agent stdin failed", "jid", in.ChatJID, "error", werr)
		}
	}()

	var (
		anyResult atomic.Bool
		timedOut  atomic.Bool
	)

	// Idle timeout: no user-visible output for the window asks the agent to
	// wind down via the close sentinel. Reset on every record with a result.
	idle := r.cfg.IdleTimeout.Std()
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	idleTimer := time.AfterFunc(idle, func() {
		slog.Info("agent idle timeout, sending close sentinel", "jid", in.ChatJID)
		if err := queue.WriteFileAtomic(filepath.Join(in.IPCDir, "input"), queue.CloseSentinel, nil); err != nil {
			slog.Warn("idle close sentinel write failed", "jid", in.ChatJID, "error", err)
		}
	})
	defer idleTimer.Stop()

	hardTimer := time.AfterFunc(r.cfg.HardTimeout(), func() {
		timedOut.Store(true)
		slog.Warn("agent hard timeout, killing process", "jid", in.ChatJID)
		_ = cmd.Process.Kill()
	})
	defer hardTimer.Stop()

	// Serialized callback consumer: records are delivered one at a time, in
	// parse order, even when a single chunk produced several.
	recCh := make(chan OutputRecord, 16)
	var cbWG sync.WaitGroup
	cbWG.Add(1)
	result := &RunResult{}
	go func() {
		defer cbWG.Done()
		for rec := range recCh {
			if rec.HasResult() {
				anyResult.Store(true)
				result.ProducedOutput = true
				idleTimer.Reset(idle)
			}
			if rec.NewSessionID != "" {
				result.SessionID = rec.NewSessionID
			}
			if rec.Status == "error" {
				slog.Warn("agent streamed error record", "jid", in.ChatJID, "error", rec.Error)
			}
			if err := onRecord(rec); err != nil {
				slog.Error("agent output callback failed", "jid", in.ChatJID, "error", err)
			}
		}
	}()

	// Capture stderr concurrently, capped.
	var stderrBuf cappedBuffer
	stderrBuf.max = int(r.cfg.MaxOutputBytes)
	var ioWG sync.WaitGroup
	ioWG.Add(1)
	go func() {
		defer ioWG.Done()
		io.Copy(&stderrBuf, stderr)
	}()

	parser := NewStreamParser(int(r.cfg.MaxOutputBytes))
	var stdoutBuf cappedBuffer
	stdoutBuf.max = int(r.cfg.MaxOutputBytes)
	errorStreamed := false

	buf := make([]byte, 32*1024)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			stdoutBuf.WriteString(chunk)
			for _, rec := range parser.Feed(chunk) {
				if rec.Status == "error" {
					errorStreamed = true
				}
				recCh <- rec
			}
		}
		if rerr != nil {
			break
		}
	}
	close(recCh)
	cbWG.Wait()
	ioWG.Wait()

	waitErr := cmd.Wait()
	hardTimer.Stop()
	idleTimer.Stop()

	result.TimedOut = timedOut.Load()
	result.Truncated = parser.Truncated() || stdoutBuf.truncated
	result.Duration = time.Since(start)
	result.ExitCode = cmd.ProcessState.ExitCode()

	switch {
	case result.TimedOut:
		// Timeout after streamed output is idle cleanup, not failure.
		result.Succeeded = anyResult.Load()
	case waitErr == nil:
		result.Succeeded = !errorStreamed
	default:
		result.Succeeded = false
	}

	r.writeRunLog(in, result, payloadForLog(in), stdoutBuf.String(), stderrBuf.String(), waitErr)

	slog.Info("agent run finished",
		"jid", in.ChatJID,
		"group", in.GroupFolder,
		"exit", result.ExitCode,
		"succeeded", result.Succeeded,
		"output", result.ProducedOutput,
		"timed_out", result.TimedOut,
		"duration", result.Duration.Round(time.Millisecond))

	return result, nil
}

// scrubbedEnv builds the child's environment from an allowlist plus the IPC
// coordinates. API keys are deliberately absent.
func scrubbedEnv(in RunInput, assistantName string, verbose bool) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=" + os.Getenv("LANG"),
		"SHEPHERD_IPC_DIR=" + in.IPCDir,
		"SHEPHERD_GROUP_FOLDER=" + in.GroupFolder,
		"SHEPHERD_CHAT_JID=" + in.ChatJID,
		"SHEPHERD_ASSISTANT_NAME=" + assistantName,
		"SHEPHERD_IS_MAIN=" + boolStr(in.IsMain),
	}
	if verbose {
		env = append(env, "SHEPHERD_LOG_LEVEL=debug")
	}
	return env
}

// payloadForLog re-marshals the stdin payload without the API key so secret
// material never reaches a log file.
func payloadForLog(in RunInput) string {
	data, _ := json.Marshal(stdinPayload{
		Prompt:          in.Prompt,
		SessionID:       in.SessionID,
		IsScheduledTask: in.IsScheduledTask,
		AgentConfig:     in.AgentConfig,
	})
	return string(data)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// cappedBuffer accumulates up to max bytes and drops the rest.
type cappedBuffer struct {
	b         []byte
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.max > 0 && len(c.b)+n > c.max {
		keep := c.max - len(c.b)
		if keep < 0 {
			keep = 0
		}
		p = p[:keep]
		c.truncated = true
	}
	c.b = append(c.b, p...)
	return n, nil
}

func (c *cappedBuffer) WriteString(s string) { c.Write([]byte(s)) }
func (c *cappedBuffer) String() string       { return string(c.b) }
