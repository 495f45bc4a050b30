// Package index keeps a queryable record of the artifacts held by a
// served repository directory.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Entry describes one indexed artifact file.
type Entry struct {
	ID         int64  `json:"id"`
	GroupID    string `json:"group_id"`
	ArtifactID string `json:"artifact_id"`
	Version    string `json:"version"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	DeployedAt string `json:"deployed_at"`
}

// SQLiteIndex implements the artifact index backed by SQLite.
type SQLiteIndex struct {
	db *sql.DB
}

// Open opens or creates the index database and runs migrations.
func Open(dataDir string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := dataDir + "/index.db?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id    TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			version     TEXT NOT NULL,
			path        TEXT NOT NULL,
			size        INTEGER NOT NULL,
			sha256      TEXT NOT NULL,
			deployed_at DATETIME NOT NULL,
			UNIQUE(path)
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_coords ON artifacts(group_id, artifact_id);
	`)
	return err
}

// Record upserts an indexed artifact by path.
func (s *SQLiteIndex) Record(groupID, artifactID, version, path string, size int64, sha256 string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO artifacts (group_id, artifact_id, version, path, size, sha256, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			version = excluded.version, size = excluded.size,
			sha256 = excluded.sha256, deployed_at = excluded.deployed_at
	`, groupID, artifactID, version, path, size, sha256, now)
	if err != nil {
		return fmt.Errorf("recording artifact: %w", err)
	}
	return nil
}

// Versions lists the indexed entries of one group/artifact pair, newest
// first.
func (s *SQLiteIndex) Versions(groupID, artifactID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, artifact_id, version, path, size, sha256, deployed_at
		FROM artifacts WHERE group_id = ? AND artifact_id = ?
		ORDER BY deployed_at DESC
	`, groupID, artifactID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search finds entries whose group or artifact id contains the query.
func (s *SQLiteIndex) Search(query string) ([]Entry, error) {
	like := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, group_id, artifact_id, version, path, size, sha256, deployed_at
		FROM artifacts WHERE group_id LIKE ? OR artifact_id LIKE ?
		ORDER BY group_id, artifact_id, deployed_at DESC
	`, like, like)
	if err != nil {
		return nil, fmt.Errorf("searching artifacts: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.GroupID, &e.ArtifactID, &e.Version, &e.Path, &e.Size, &e.SHA256, &e.DeployedAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the index database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
