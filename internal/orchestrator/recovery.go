package orchestrator

import (
	"context"
	"log/slog"
)

// RecoverPending handles crash-in-flight state at startup: any surviving
// pending cursor means the previous process died between dispatch and
// confirmation. The pending row is cleared and the unconfirmed messages are
// re-queued for a fresh run.
func (o *Orchestrator) RecoverPending(ctx context.Context) error {
	pending, err := o.st.ListPendingCursors(ctx)
	if err != nil {
		return err
	}
	for _, pc := range pending {
		slog.Warn("recovering crashed run", "jid", pc.ChatJID, "pending", pc.Timestamp)
		if err := o.st.DeletePendingCursor(ctx, pc.ChatJID); err != nil {
			return err
		}
	}

	// Tasks stuck in "running" belong to a previous process; make them due again.
	if n, err := o.st.ResetRunningTasks(ctx); err != nil {
		return err
	} else if n > 0 {
		slog.Warn("reset tasks stranded mid-run", "count", n)
	}

	groups, err := o.st.GetRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		confirmed, err := o.st.GetAgentCursor(ctx, g.JID)
		if err != nil {
			slog.Warn("recovery cursor read failed", "jid", g.JID, "error", err)
			continue
		}
		msgs, err := o.st.GetMessagesSince(ctx, g.JID, confirmed, "")
		if err != nil {
			slog.Warn("recovery message scan failed", "jid", g.JID, "error", err)
			continue
		}
		if len(msgs) > 0 {
			slog.Info("queueing unprocessed messages from before restart",
				"jid", g.JID, "count", len(msgs))
			o.queue.EnqueueMessageCheck(g.JID)
		}
	}
	return nil
}
