package oplog

import "fmt"

// Cursor returns the delta token recorded by the last durable pull merge.
func (l *Log) Cursor() (string, error) {
	var cursor string
	if err := l.db.Read.QueryRow("SELECT value FROM meta WHERE key = 'cursor'").Scan(&cursor); err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor advances the delta cursor. The coordinator calls this only after
// the pulled batch is durably merged into the cache, so a crash in between
// re-pulls the same delta instead of losing it.
func (l *Log) SetCursor(cursor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.Write.Exec("UPDATE meta SET value = ? WHERE key = 'cursor'", cursor); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}
