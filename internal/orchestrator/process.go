package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/shepherd/internal/agent"
	"github.com/nextlevelbuilder/shepherd/internal/bus"
	"github.com/nextlevelbuilder/shepherd/internal/ipc"
)

// internalTagRe strips <internal>…</internal> blocks the agent uses for
// notes-to-self before text reaches the user.
var internalTagRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes internal blocks and trims the remainder.
func StripInternal(text string) string {
	return strings.TrimSpace(internalTagRe.ReplaceAllString(text, ""))
}

// triggerPattern matches "@name" at the start of a message, word-bounded,
// case-insensitive.
func triggerPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(name) + `\b`)
}

// ProcessGroupMessages runs one agent invocation for jid over all messages
// newer than the confirmed cursor. Two-phase commit: the pending cursor is
// written before the spawn and promoted to confirmed only once the user has
// either received output or the run finished cleanly. A non-nil return means
// nothing reached the user and the GroupQueue should retry.
func (o *Orchestrator) ProcessGroupMessages(ctx context.Context, jid string) error {
	group, err := o.st.GetGroupByJID(ctx, jid)
	if err != nil {
		return fmt.Errorf("process %s: %w", jid, err)
	}

	confirmed, err := o.st.GetAgentCursor(ctx, jid)
	if err != nil {
		return err
	}
	msgs, err := o.st.GetMessagesSince(ctx, jid, confirmed, "")
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	isMain := group.Folder == o.cfg.MainGroupFolder
	if !isMain && group.RequiresTrigger {
		// A per-group trigger token overrides the global assistant name.
		trigger := strings.TrimPrefix(group.TriggerToken, "@")
		if trigger == "" {
			trigger = o.cfg.Assistant.Name
		}
		pat := triggerPattern(trigger)
		triggered := false
		for _, m := range msgs {
			if pat.MatchString(m.Content) {
				triggered = true
				break
			}
		}
		if !triggered {
			// Untriggered messages accumulate as context for a later trigger.
			return nil
		}
	}

	newCursor := confirmed
	for _, m := range msgs {
		if m.Timestamp > newCursor {
			newCursor = m.Timestamp
		}
	}
	if err := o.st.SetPendingCursor(ctx, jid, newCursor); err != nil {
		return err
	}

	workDir, logsDir, ipcDir := o.groupPaths(group.Folder)
	if err := ipc.EnsureGroupDirs(o.cfg.IPCDir(), group.Folder); err != nil {
		o.clearPending(ctx, jid)
		return err
	}
	if err := ipc.WriteSnapshots(ctx, o.st, o.cfg.IPCDir(), group.Folder, o.cfg.MainGroupFolder); err != nil {
		slog.Warn("write snapshots failed", "folder", group.Folder, "error", err)
	}

	sessionID, err := o.st.GetSession(ctx, group.Folder)
	if err != nil {
		slog.Warn("load session failed", "folder", group.Folder, "error", err)
	}

	if ch := o.channelFor(jid); ch != nil {
		_ = ch.SetTyping(ctx, jid, true)
		defer func() { _ = ch.SetTyping(ctx, jid, false) }()
	}

	// Attach before the spawn so follow-ups arriving during startup are piped
	// rather than spawning a second process.
	o.queue.RegisterProcess(jid, group.Folder, filepath.Join(ipcDir, ipc.InputDir))

	var outputSent atomic.Bool
	result, runErr := o.runner.Run(ctx, agent.RunInput{
		GroupFolder: group.Folder,
		ChatJID:     jid,
		IsMain:      isMain,
		Prompt:      FormatPrompt(msgs),
		SessionID:   sessionID,
		AgentConfig: group.AgentConfig,
		WorkDir:     workDir,
		IPCDir:      ipcDir,
		LogsDir:     logsDir,
	}, func(rec agent.OutputRecord) error {
		return o.deliverRecord(ctx, jid, group.Folder, rec, &outputSent)
	})
	o.queue.UnregisterProcess(jid)

	if runErr != nil {
		o.clearPending(ctx, jid)
		return fmt.Errorf("agent run for %s: %w", jid, runErr)
	}

	switch {
	case result.Succeeded:
		return o.promoteCursor(ctx, jid, newCursor)
	case outputSent.Load():
		// The user saw output; reprocessing would duplicate it.
		slog.Warn("agent errored after output was sent, promoting cursor", "jid", jid)
		return o.promoteCursor(ctx, jid, newCursor)
	default:
		o.clearPending(ctx, jid)
		return fmt.Errorf("agent run for %s produced no output", jid)
	}
}

// deliverRecord handles one streamed agent record: session persistence, tag
// stripping, channel delivery.
func (o *Orchestrator) deliverRecord(ctx context.Context, jid, folder string, rec agent.OutputRecord, outputSent *atomic.Bool) error {
	if rec.NewSessionID != "" {
		if err := o.st.SetSession(ctx, folder, rec.NewSessionID); err != nil {
			slog.Warn("persist session id failed", "folder", folder, "error", err)
		}
	}
	if !rec.HasResult() {
		return nil
	}
	text := StripInternal(*rec.Result)
	if text == "" {
		return nil
	}
	if err := o.sendToChat(ctx, jid, text); err != nil {
		// Send failure does not count as delivered output; completion
		// classification falls back to retry when nothing else got through.
		return err
	}
	outputSent.Store(true)
	return nil
}

// promoteCursor confirms the batch and clears the in-flight marker.
func (o *Orchestrator) promoteCursor(ctx context.Context, jid, cursor string) error {
	if err := o.st.SetAgentCursor(ctx, jid, cursor); err != nil {
		return err
	}
	if err := o.st.DeletePendingCursor(ctx, jid); err != nil {
		slog.Warn("clear pending cursor failed", "jid", jid, "error", err)
	}
	return nil
}

func (o *Orchestrator) clearPending(ctx context.Context, jid string) {
	if err := o.st.DeletePendingCursor(ctx, jid); err != nil {
		slog.Warn("clear pending cursor failed", "jid", jid, "error", err)
	}
}

// FormatPrompt renders a message batch into the agent prompt envelope.
func FormatPrompt(msgs []bus.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp, name, m.Content)
	}
	return b.String()
}
