package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// IndexEntry is the fleet-wide summary of one session, kept in the index
// database so listing does not open every session store.
type IndexEntry struct {
	ID          string        `json:"id"`
	SessionName string        `json:"session_name"`
	Title       string        `json:"title,omitempty"`
	RepoOwner   string        `json:"repo_owner"`
	RepoName    string        `json:"repo_name"`
	Status      SessionStatus `json:"status"`
	DBPath      string        `json:"-"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// Index is the root database mapping session names to their stores.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at the given path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			session_name TEXT NOT NULL UNIQUE,
			title        TEXT NOT NULL DEFAULT '',
			repo_owner   TEXT NOT NULL,
			repo_name    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'created',
			db_path      TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Put inserts or refreshes an index entry.
func (ix *Index) Put(e *IndexEntry) error {
	_, err := ix.db.Exec(
		`INSERT INTO sessions (id, session_name, title, repo_owner, repo_name,
			status, db_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_name) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		e.ID, e.SessionName, e.Title, e.RepoOwner, e.RepoName,
		e.Status, e.DBPath, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// Get looks up an entry by session name, or ErrNotFound.
func (ix *Index) Get(sessionName string) (*IndexEntry, error) {
	row := ix.db.QueryRow(
		`SELECT id, session_name, title, repo_owner, repo_name, status,
			db_path, created_at, updated_at
		 FROM sessions WHERE session_name = ?`, sessionName)
	return scanIndexEntry(row)
}

// List returns entries created after the cursor, oldest first, peeking
// limit+1 rows to compute hasMore.
func (ix *Index) List(cursor int64, limit int) ([]*IndexEntry, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ix.db.Query(
		`SELECT id, session_name, title, repo_owner, repo_name, status,
			db_path, created_at, updated_at
		 FROM sessions WHERE created_at > ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`, cursor, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []*IndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// FindByRepo returns the most recently updated non-archived session for a
// repository, or ErrNotFound.
func (ix *Index) FindByRepo(repoOwner, repoName string) (*IndexEntry, error) {
	row := ix.db.QueryRow(
		`SELECT id, session_name, title, repo_owner, repo_name, status,
			db_path, created_at, updated_at
		 FROM sessions
		 WHERE repo_owner = ? AND repo_name = ? AND status != 'archived'
		 ORDER BY updated_at DESC LIMIT 1`, repoOwner, repoName)
	return scanIndexEntry(row)
}

// Delete removes an entry by session name.
func (ix *Index) Delete(sessionName string) error {
	_, err := ix.db.Exec(`DELETE FROM sessions WHERE session_name = ?`, sessionName)
	return err
}

func scanIndexEntry(row scannable) (*IndexEntry, error) {
	e := &IndexEntry{}
	err := row.Scan(
		&e.ID, &e.SessionName, &e.Title, &e.RepoOwner, &e.RepoName,
		&e.Status, &e.DBPath, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
