package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VersionInfo describes one stored version of a scope key.
type VersionInfo struct {
	Version   int64     `json:"version"`
	Tombstone bool      `json:"tombstone"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Put appends a new version for the scope key and returns it. Versions
// are strictly increasing per key.
func (s *Store) Put(ctx context.Context, scope string, value []byte) (int64, error) {
	stored, err := s.sealValue(value)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO memory_entries (scope_key, version, value, tombstone, created_at)
		SELECT ?1, COALESCE(MAX(version), 0) + 1, ?2, FALSE, ?3
		FROM memory_entries WHERE scope_key = ?1
		RETURNING version`,
		scope, stored, time.Now().UTC()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", scope, err)
	}

	s.invalidate(scope)
	return version, nil
}

// PutIfVersion appends only when the key's latest version still equals
// expected (0 for a key with no versions). A stale expectation fails
// with ErrVersionConflict.
func (s *Store) PutIfVersion(ctx context.Context, scope string, expected int64, value []byte) (int64, error) {
	stored, err := s.sealValue(value)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO memory_entries (scope_key, version, value, tombstone, created_at)
		SELECT ?1, ?2 + 1, ?3, FALSE, ?4
		WHERE (SELECT COALESCE(MAX(version), 0) FROM memory_entries WHERE scope_key = ?1) = ?2
		RETURNING version`,
		scope, expected, stored, time.Now().UTC()).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("put %s at version %d: %w", scope, expected, ErrVersionConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", scope, err)
	}

	s.invalidate(scope)
	return version, nil
}

// Get returns the latest live value for the scope key. A missing key
// or a tombstoned latest version is ErrNotFound. The latest version is
// always read from sqlite; the cache may only satisfy the value for
// that exact version, so it can never serve a stale latest.
func (s *Store) Get(ctx context.Context, scope string) ([]byte, int64, error) {
	var (
		version   int64
		tombstone bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, tombstone FROM memory_entries
		WHERE scope_key = ? ORDER BY version DESC LIMIT 1`,
		scope).Scan(&version, &tombstone)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("get %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", scope, err)
	}
	if tombstone {
		return nil, 0, fmt.Errorf("get %s: %w", scope, ErrNotFound)
	}

	if s.cache != nil {
		if c, ok := s.cache.Get(scope); ok && c.version == version {
			return c.value, version, nil
		}
	}

	var stored []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT value FROM memory_entries WHERE scope_key = ? AND version = ?`,
		scope, version).Scan(&stored)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", scope, err)
	}

	value, err := s.openValue(stored)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", scope, err)
	}

	if s.cache != nil {
		s.cache.Set(scope, cached{version: version, value: value}, int64(len(value))+1)
	}
	return value, version, nil
}

// GetVersion reads one historical version, tombstoned or not. History
// stays readable beneath a tombstone until compaction erases it.
func (s *Store) GetVersion(ctx context.Context, scope string, version int64) ([]byte, error) {
	var (
		stored    []byte
		tombstone bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, tombstone FROM memory_entries
		WHERE scope_key = ? AND version = ?`,
		scope, version).Scan(&stored, &tombstone)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s v%d: %w", scope, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s v%d: %w", scope, version, err)
	}
	if tombstone {
		return nil, fmt.Errorf("get %s v%d: %w", scope, version, ErrNotFound)
	}

	value, err := s.openValue(stored)
	if err != nil {
		return nil, fmt.Errorf("get %s v%d: %w", scope, version, err)
	}
	return value, nil
}

// ListVersions returns every stored version of the scope key, oldest
// first.
func (s *Store) ListVersions(ctx context.Context, scope string) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, tombstone, LENGTH(COALESCE(value, '')), created_at
		FROM memory_entries WHERE scope_key = ? ORDER BY version`,
		scope)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", scope, err)
	}
	defer rows.Close()

	var infos []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.Version, &v.Tombstone, &v.Size, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		infos = append(infos, v)
	}
	return infos, rows.Err()
}

// Delete appends a tombstone version. History remains readable until
// compaction. Deleting an absent key is ErrNotFound.
func (s *Store) Delete(ctx context.Context, scope string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO memory_entries (scope_key, version, value, tombstone, created_at)
		SELECT ?1, MAX(version) + 1, NULL, TRUE, ?2
		FROM memory_entries WHERE scope_key = ?1
		HAVING COUNT(*) > 0
		RETURNING version`,
		scope, time.Now().UTC()).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("delete %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", scope, err)
	}

	s.invalidate(scope)
	return version, nil
}

// Keys lists the distinct scope keys under a prefix, live or
// tombstoned.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT scope_key FROM memory_entries
		WHERE substr(scope_key, 1, length(?1)) = ?1
		ORDER BY scope_key`,
		prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) sealValue(value []byte) ([]byte, error) {
	if s.sealer == nil {
		return value, nil
	}
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return nil, fmt.Errorf("seal value: %w", err)
	}
	return sealed, nil
}

func (s *Store) openValue(stored []byte) ([]byte, error) {
	if s.sealer == nil {
		return stored, nil
	}
	value, err := s.sealer.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return value, nil
}

func (s *Store) invalidate(scope string) {
	if s.cache != nil {
		s.cache.Del(scope)
	}
}
