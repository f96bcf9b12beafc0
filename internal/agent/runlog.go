package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeRunLog records a per-run log file under the group's logs directory.
// The header is always written; input and captured output are included only
// on failure or when verbose logging is on.
func (r *Runner) writeRunLog(in RunInput, res *RunResult, loggedInput, stdout, stderr string, waitErr error) {
	if in.LogsDir == "" {
		return
	}
	if err := os.MkdirAll(in.LogsDir, 0o755); err != nil {
		slog.Warn("create logs dir failed", "dir", in.LogsDir, "error", err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "group: %s\n", in.GroupFolder)
	fmt.Fprintf(&b, "jid: %s\n", in.ChatJID)
	fmt.Fprintf(&b, "scheduled: %v\n", in.IsScheduledTask)
	fmt.Fprintf(&b, "exit: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "succeeded: %v\n", res.Succeeded)
	fmt.Fprintf(&b, "timed_out: %v\n", res.TimedOut)
	fmt.Fprintf(&b, "truncated: %v\n", res.Truncated)
	fmt.Fprintf(&b, "duration_ms: %d\n", res.Duration.Milliseconds())
	if res.SessionID != "" {
		fmt.Fprintf(&b, "session: %s\n", res.SessionID)
	}
	if waitErr != nil {
		fmt.Fprintf(&b, "wait_error: %v\n", waitErr)
	}

	if r.verbose || res.ExitCode != 0 {
		b.WriteString("\n--- input ---\n")
		b.WriteString(loggedInput)
		b.WriteString("\n--- stdout ---\n")
		b.WriteString(stdout)
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(stderr)
		b.WriteString("\n")
	}

	name := fmt.Sprintf("agent-%d.log", time.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(in.LogsDir, name), []byte(b.String()), 0o644); err != nil {
		slog.Warn("write run log failed", "dir", in.LogsDir, "error", err)
	}
}
