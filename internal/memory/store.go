package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/ristretto/v2"
	_ "modernc.org/sqlite"

	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/seal"
)

var (
	// ErrNotFound means the scope key has no live value.
	ErrNotFound = errors.New("memory: not found")
	// ErrVersionConflict means the expected version went stale; the
	// writer must re-read and retry.
	ErrVersionConflict = errors.New("memory: version conflict")
)

const sealCheckKey = "seal_check"

type cached struct {
	version int64
	value   []byte
}

// Store is the versioned scope-key store. Writes append a new version
// per key; version allocation relies on sqlite's serialized writer, so
// the pool is pinned to a single connection.
type Store struct {
	db     *sql.DB
	sealer *seal.Sealer
	cache  *ristretto.Cache[string, cached]
}

func New(cfg config.MemoryConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if cfg.SealPassphrase != "" {
		s.sealer = seal.New(cfg.SealPassphrase)
		if err := s.verifySeal(); err != nil {
			return nil, err
		}
	}

	if cfg.CacheMB > 0 {
		maxCost := cfg.CacheMB << 20
		cache, err := ristretto.NewCache(&ristretto.Config[string, cached]{
			NumCounters: maxCost / 100 * 10, // ~10x expected items
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create read cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			scope_key  TEXT NOT NULL,
			version    INTEGER NOT NULL,
			value      BLOB,
			tombstone  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (scope_key, version)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			k TEXT PRIMARY KEY,
			v BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			spec        TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON workflow_schedules(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// verifySeal fails fast when a sealed store is opened with a different
// passphrase than the one that wrote it.
func (s *Store) verifySeal() error {
	var probe []byte
	err := s.db.QueryRow(`SELECT v FROM meta WHERE k = ?`, sealCheckKey).Scan(&probe)
	if err == sql.ErrNoRows {
		sealed, err := s.sealer.Seal([]byte(sealCheckKey))
		if err != nil {
			return fmt.Errorf("seal check: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO meta (k, v) VALUES (?, ?)`, sealCheckKey, sealed); err != nil {
			return fmt.Errorf("store seal check: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seal check: %w", err)
	}
	if _, err := s.sealer.Open(probe); err != nil {
		return fmt.Errorf("seal passphrase does not match this store: %w", err)
	}
	return nil
}
