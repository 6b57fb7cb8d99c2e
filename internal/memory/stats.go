package memory

import (
	"context"
	"fmt"
	"strings"
)

// ScopeStats aggregates one scope prefix (the part before the first
// colon, e.g. "workflow").
type ScopeStats struct {
	Keys       int   `json:"keys"`
	Versions   int64 `json:"versions"`
	Tombstones int64 `json:"tombstones"`
	Bytes      int64 `json:"bytes"`
}

// Stats summarizes the store contents per scope prefix.
type Stats struct {
	Keys       int                   `json:"keys"`
	Versions   int64                 `json:"versions"`
	Tombstones int64                 `json:"tombstones"`
	Bytes      int64                 `json:"bytes"`
	Scopes     map[string]ScopeStats `json:"scopes"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, COUNT(*), SUM(tombstone), SUM(LENGTH(COALESCE(value, '')))
		FROM memory_entries GROUP BY scope_key`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Scopes: make(map[string]ScopeStats)}
	for rows.Next() {
		var (
			key        string
			versions   int64
			tombstones int64
			bytes      int64
		)
		if err := rows.Scan(&key, &versions, &tombstones, &bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}

		prefix := key
		if i := strings.Index(key, ":"); i > 0 {
			prefix = key[:i]
		}
		sc := stats.Scopes[prefix]
		sc.Keys++
		sc.Versions += versions
		sc.Tombstones += tombstones
		sc.Bytes += bytes
		stats.Scopes[prefix] = sc

		stats.Keys++
		stats.Versions += versions
		stats.Tombstones += tombstones
		stats.Bytes += bytes
	}
	return stats, rows.Err()
}
