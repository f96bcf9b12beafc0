package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
)

// RetentionResult reports what a sweep removed.
type RetentionResult struct {
	Messages int64
	RunLogs  int64
}

// RunRetentionSweep deletes messages older than messageDays and task run logs
// older than runLogDays. Each delete is a single statement; WAL keeps readers
// unblocked while the sweep runs.
func (s *Store) RunRetentionSweep(ctx context.Context, now time.Time, messageDays, runLogDays int) (RetentionResult, error) {
	var res RetentionResult

	if messageDays > 0 {
		cutoff := bus.FormatTimestamp(now.AddDate(0, 0, -messageDays))
		r, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff)
		if err != nil {
			return res, fmt.Errorf("sweep messages: %w", err)
		}
		res.Messages, _ = r.RowsAffected()
	}

	if runLogDays > 0 {
		cutoff := bus.FormatTimestamp(now.AddDate(0, 0, -runLogDays))
		r, err := s.db.ExecContext(ctx, `DELETE FROM task_run_logs WHERE run_at < ?`, cutoff)
		if err != nil {
			return res, fmt.Errorf("sweep run logs: %w", err)
		}
		res.RunLogs, _ = r.RowsAffected()
	}

	return res, nil
}
