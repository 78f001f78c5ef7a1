package oplog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Checkpoint records the applied high-water mark and prunes journal records
// at or below it. The operations table already reflects everything up to
// applied_seq, so pruned records are never needed for recovery.
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyTx(func(tx *sql.Tx) error {
		var applied int64
		if err := tx.QueryRow("SELECT value FROM meta WHERE key = 'applied_seq'").Scan(&applied); err != nil {
			return fmt.Errorf("read applied_seq: %w", err)
		}
		res, err := tx.Exec("DELETE FROM journal WHERE seq <= ?", applied)
		if err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
		if _, err := tx.Exec("UPDATE meta SET value = ? WHERE key = 'checkpoint_seq'", applied); err != nil {
			return fmt.Errorf("advance checkpoint_seq: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			slog.Debug("journal checkpointed", "pruned", n, "seq", applied)
		}
		return nil
	})
}

// PruneTerminal removes terminal operations older than the retention window.
// Completed rows are kept around until then because depends_on checks need to
// see them.
func (l *Log) PruneTerminal(olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := l.db.Write.Exec(
		"DELETE FROM operations WHERE state IN (?, ?) AND updated_at < ?",
		StateCompleted, StateFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune terminal operations: %w", err)
	}
	return res.RowsAffected()
}
