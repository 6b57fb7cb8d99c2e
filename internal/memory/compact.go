package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds what compaction may erase. KeepVersions newest
// versions per key always survive, as does anything younger than
// MinAge. A key whose latest version is a tombstone older than MinAge
// is erased entirely, history included.
type Policy struct {
	KeepVersions int
	MinAge       time.Duration
}

// Compact physically erases old versions per the policy and returns
// how many rows were removed.
func (s *Store) Compact(ctx context.Context, policy Policy) (int64, error) {
	if policy.KeepVersions < 1 {
		policy.KeepVersions = 1
	}
	cutoff := time.Now().UTC().Add(-policy.MinAge)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_entries AS m
		WHERE m.created_at < ?1
		  AND (SELECT COUNT(*) FROM memory_entries n
		       WHERE n.scope_key = m.scope_key AND n.version > m.version) >= ?2`,
		cutoff, policy.KeepVersions)
	if err != nil {
		return 0, fmt.Errorf("compact versions: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM memory_entries AS m
		WHERE EXISTS (
			SELECT 1 FROM memory_entries t
			WHERE t.scope_key = m.scope_key
			  AND t.tombstone
			  AND t.created_at < ?1
			  AND t.version = (SELECT MAX(version) FROM memory_entries x WHERE x.scope_key = m.scope_key))`,
		cutoff)
	if err != nil {
		return removed, fmt.Errorf("compact tombstoned keys: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	if removed > 0 && s.cache != nil {
		s.cache.Clear()
	}
	return removed, nil
}

// Purge physically erases every version of one scope key, bypassing
// the compaction policy. The archive command calls it after a
// successful export; nothing else should.
func (s *Store) Purge(ctx context.Context, scope string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE scope_key = ?`, scope)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", scope, err)
	}
	removed, _ := res.RowsAffected()
	s.invalidate(scope)
	return removed, nil
}

// CompactLoop runs Compact on an interval until the context ends.
func (s *Store) CompactLoop(ctx context.Context, interval time.Duration, policy Policy) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Compact(ctx, policy)
			if err != nil {
				slog.Error("memory compaction failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("memory compacted", "removed", removed)
			}
		}
	}
}
