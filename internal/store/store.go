package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an external dedup
// key (e.g. a chat-platform webhook retry).
var ErrDuplicate = errors.New("duplicate")

// Store owns one session's database. The coordinator is the only writer;
// per-session single-threadedness means no additional locking is required.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the session database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps reads cheap while the actor writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			id                  TEXT PRIMARY KEY,
			session_name        TEXT NOT NULL,
			title               TEXT NOT NULL DEFAULT '',
			repo_owner          TEXT NOT NULL,
			repo_name           TEXT NOT NULL,
			repo_default_branch TEXT NOT NULL DEFAULT '',
			branch_name         TEXT NOT NULL DEFAULT '',
			base_sha            TEXT NOT NULL DEFAULT '',
			current_sha         TEXT NOT NULL DEFAULT '',
			agent_session_id    TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'created',
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS participants (
			id                  TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL UNIQUE,
			github_user_id      INTEGER NOT NULL DEFAULT 0,
			github_login        TEXT NOT NULL DEFAULT '',
			github_name         TEXT NOT NULL DEFAULT '',
			github_email        TEXT NOT NULL DEFAULT '',
			role                TEXT NOT NULL DEFAULT 'member',
			access_token_enc    TEXT NOT NULL DEFAULT '',
			token_expires_at    INTEGER NOT NULL DEFAULT 0,
			ws_auth_token_hash  TEXT NOT NULL DEFAULT '',
			ws_token_created_at INTEGER NOT NULL DEFAULT 0,
			joined_at           INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			author_id        TEXT NOT NULL,
			content          TEXT NOT NULL,
			source           TEXT NOT NULL,
			model            TEXT NOT NULL DEFAULT '',
			attachments      TEXT NOT NULL DEFAULT '',
			callback_context TEXT NOT NULL DEFAULT '',
			external_id      TEXT,
			status           TEXT NOT NULL DEFAULT 'pending',
			created_at       INTEGER NOT NULL,
			started_at       INTEGER NOT NULL DEFAULT 0,
			completed_at     INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external_id
			ON messages(external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_status_created
			ON messages(status, created_at);

		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '',
			message_id TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

		CREATE TABLE IF NOT EXISTS artifacts (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			url        TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sandbox (
			id                 TEXT PRIMARY KEY,
			object_id          TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'pending',
			git_sync_status    TEXT NOT NULL DEFAULT 'pending',
			auth_token         TEXT NOT NULL DEFAULT '',
			last_heartbeat     INTEGER NOT NULL DEFAULT 0,
			last_activity      INTEGER NOT NULL DEFAULT 0,
			snapshot_image_id  TEXT NOT NULL DEFAULT '',
			breaker_failures   INTEGER NOT NULL DEFAULT 0,
			breaker_opened_at  INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ws_client_mapping (
			ws_id          TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL,
			client_id      TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Session ---

// CreateSession inserts the singleton session row.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT INTO session (id, session_name, title, repo_owner, repo_name,
			repo_default_branch, branch_name, base_sha, current_sha,
			agent_session_id, model, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SessionName, sess.Title, sess.RepoOwner, sess.RepoName,
		sess.RepoDefaultBranch, sess.BranchName, sess.BaseSHA, sess.CurrentSHA,
		sess.AgentSessionID, sess.Model, sess.Status, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves the session row.
func (s *Store) GetSession() (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, session_name, title, repo_owner, repo_name,
			repo_default_branch, branch_name, base_sha, current_sha,
			agent_session_id, model, status, created_at, updated_at
		 FROM session LIMIT 1`)
	sess := &Session{}
	err := row.Scan(
		&sess.ID, &sess.SessionName, &sess.Title, &sess.RepoOwner, &sess.RepoName,
		&sess.RepoDefaultBranch, &sess.BranchName, &sess.BaseSHA, &sess.CurrentSHA,
		&sess.AgentSessionID, &sess.Model, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession updates mutable fields of the session row.
func (s *Store) UpdateSession(sess *Session) error {
	sess.UpdatedAt = NowMillis()
	_, err := s.db.Exec(
		`UPDATE session SET
			title = ?, repo_default_branch = ?, branch_name = ?, base_sha = ?,
			current_sha = ?, agent_session_id = ?, model = ?, status = ?,
			updated_at = ?
		 WHERE id = ?`,
		sess.Title, sess.RepoDefaultBranch, sess.BranchName, sess.BaseSHA,
		sess.CurrentSHA, sess.AgentSessionID, sess.Model, sess.Status,
		sess.UpdatedAt, sess.ID,
	)
	return err
}

// --- Participants ---

const participantCols = `id, user_id, github_user_id, github_login, github_name,
	github_email, role, access_token_enc, token_expires_at,
	ws_auth_token_hash, ws_token_created_at, joined_at`

// UpsertParticipant inserts a participant or refreshes identity fields for an
// existing user_id. (session, user_id) is unique.
func (s *Store) UpsertParticipant(p *Participant) error {
	_, err := s.db.Exec(
		`INSERT INTO participants (`+participantCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			github_user_id = excluded.github_user_id,
			github_login = excluded.github_login,
			github_name = excluded.github_name,
			github_email = excluded.github_email,
			access_token_enc = CASE WHEN excluded.access_token_enc != ''
				THEN excluded.access_token_enc ELSE access_token_enc END,
			token_expires_at = CASE WHEN excluded.access_token_enc != ''
				THEN excluded.token_expires_at ELSE token_expires_at END`,
		p.ID, p.UserID, p.GitHubUserID, p.GitHubLogin, p.GitHubName,
		p.GitHubEmail, p.Role, p.AccessTokenEnc, p.TokenExpiresAt,
		p.WSAuthTokenHash, p.WSTokenCreatedAt, p.JoinedAt,
	)
	return err
}

// GetParticipant retrieves a participant by id.
func (s *Store) GetParticipant(id string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRow(
		`SELECT `+participantCols+` FROM participants WHERE id = ?`, id))
}

// GetParticipantByUserID retrieves a participant by external user id.
func (s *Store) GetParticipantByUserID(userID string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRow(
		`SELECT `+participantCols+` FROM participants WHERE user_id = ?`, userID))
}

// GetParticipantByWSTokenHash retrieves the participant whose current
// WebSocket token hashes to the given value.
func (s *Store) GetParticipantByWSTokenHash(hash string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRow(
		`SELECT `+participantCols+` FROM participants WHERE ws_auth_token_hash = ?`, hash))
}

// ListParticipants returns all participants ordered by join time.
func (s *Store) ListParticipants() ([]*Participant, error) {
	rows, err := s.db.Query(
		`SELECT ` + participantCols + ` FROM participants ORDER BY joined_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := s.scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetParticipantWSToken overwrites the stored WebSocket token hash;
// previously issued tokens stop validating.
func (s *Store) SetParticipantWSToken(participantID, hash string, createdAt int64) error {
	_, err := s.db.Exec(
		`UPDATE participants SET ws_auth_token_hash = ?, ws_token_created_at = ?
		 WHERE id = ?`, hash, createdAt, participantID)
	return err
}

// SetParticipantAccessToken replaces the encrypted access token.
func (s *Store) SetParticipantAccessToken(participantID, enc string, expiresAt int64) error {
	_, err := s.db.Exec(
		`UPDATE participants SET access_token_enc = ?, token_expires_at = ?
		 WHERE id = ?`, enc, expiresAt, participantID)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *Store) scanParticipant(row scannable) (*Participant, error) {
	p := &Participant{}
	err := row.Scan(
		&p.ID, &p.UserID, &p.GitHubUserID, &p.GitHubLogin, &p.GitHubName,
		&p.GitHubEmail, &p.Role, &p.AccessTokenEnc, &p.TokenExpiresAt,
		&p.WSAuthTokenHash, &p.WSTokenCreatedAt, &p.JoinedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- Messages ---

const messageCols = `id, author_id, content, source, model, attachments,
	callback_context, COALESCE(external_id, ''), status, created_at,
	started_at, completed_at`

// CreateMessage appends a prompt to the FIFO. Returns ErrDuplicate when the
// external dedup key has been seen before.
func (s *Store) CreateMessage(m *Message) error {
	var external any
	if m.ExternalID != "" {
		external = m.ExternalID
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, author_id, content, source, model,
			attachments, callback_context, external_id, status, created_at,
			started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.Content, m.Source, m.Model,
		m.Attachments, m.CallbackContext, external, m.Status, m.CreatedAt,
		m.StartedAt, m.CompletedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	return s.scanMessage(s.db.QueryRow(
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
}

// OldestPending returns the oldest pending message, or ErrNotFound.
func (s *Store) OldestPending() (*Message, error) {
	return s.scanMessage(s.db.QueryRow(
		`SELECT ` + messageCols + ` FROM messages
		 WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT 1`))
}

// ProcessingMessage returns the message currently processing, or ErrNotFound.
func (s *Store) ProcessingMessage() (*Message, error) {
	return s.scanMessage(s.db.QueryRow(
		`SELECT ` + messageCols + ` FROM messages
		 WHERE status = 'processing' LIMIT 1`))
}

// MarkProcessing transitions a pending message to processing. The WHERE
// clause keeps the transition monotonic.
func (s *Store) MarkProcessing(id string, startedAt int64) error {
	res, err := s.db.Exec(
		`UPDATE messages SET status = 'processing', started_at = ?
		 WHERE id = ? AND status = 'pending'`, startedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteMessage transitions a processing message to completed or failed.
// Idempotent: a message already in a terminal state is left untouched.
func (s *Store) CompleteMessage(id string, success bool, completedAt int64) error {
	status := MessageCompleted
	if !success {
		status = MessageFailed
	}
	_, err := s.db.Exec(
		`UPDATE messages SET status = ?, completed_at = ?
		 WHERE id = ? AND status = 'processing'`, status, completedAt, id)
	return err
}

// PendingOrProcessingCount returns the live queue length, used as the
// 1-based position reported to enqueuers.
func (s *Store) PendingOrProcessingCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE status IN ('pending', 'processing')`).Scan(&n)
	return n, err
}

// ListMessages returns messages after the cursor (created_at of the last row
// seen), newest last. Peeks limit+1 rows to compute hasMore.
func (s *Store) ListMessages(cursor int64, limit int, status MessageStatus) ([]*Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageCols + ` FROM messages WHERE created_at > ?`
	args := []any{cursor}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, m)
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

func (s *Store) scanMessage(row scannable) (*Message, error) {
	m := &Message{}
	err := row.Scan(
		&m.ID, &m.AuthorID, &m.Content, &m.Source, &m.Model, &m.Attachments,
		&m.CallbackContext, &m.ExternalID, &m.Status, &m.CreatedAt,
		&m.StartedAt, &m.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// --- Events ---

// AddEvent appends an event. Events are persisted in arrival order.
func (s *Store) AddEvent(e *Event) error {
	var msgID any
	if e.MessageID != "" {
		msgID = e.MessageID
	}
	_, err := s.db.Exec(
		`INSERT INTO events (id, type, payload, message_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Payload, msgID, e.CreatedAt,
	)
	return err
}

// ListEvents returns events after the cursor, optionally filtered by type
// and message id. The cursor is the created_at of the last row returned.
func (s *Store) ListEvents(cursor int64, limit int, typ EventType, messageID string) ([]*Event, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, type, payload, COALESCE(message_id, ''), created_at
	      FROM events WHERE created_at > ?`
	args := []any{cursor}
	if typ != "" {
		q += ` AND type = ?`
		args = append(args, typ)
	}
	if messageID != "" {
		q += ` AND message_id = ?`
		args = append(args, messageID)
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.MessageID, &e.CreatedAt); err != nil {
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

// --- Artifacts ---

// AddArtifact appends an artifact.
func (s *Store) AddArtifact(a *Artifact) error {
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, type, url, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.URL, a.Metadata, a.CreatedAt,
	)
	return err
}

// ListArtifacts returns all artifacts in creation order.
func (s *Store) ListArtifacts() ([]*Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, type, url, metadata, created_at
		 FROM artifacts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{}
		if err := rows.Scan(&a.ID, &a.Type, &a.URL, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Sandbox ---

const sandboxCols = `id, object_id, status, git_sync_status, auth_token,
	last_heartbeat, last_activity, snapshot_image_id, breaker_failures,
	breaker_opened_at, created_at`

// CreateSandbox inserts a new sandbox record, superseding any previous one.
// Breaker state and the latest snapshot image carry over from the old record.
func (s *Store) CreateSandbox(sb *Sandbox) error {
	prev, err := s.GetSandbox()
	if err == nil {
		if sb.SnapshotImageID == "" {
			sb.SnapshotImageID = prev.SnapshotImageID
		}
		sb.BreakerFailures = prev.BreakerFailures
		sb.BreakerOpenedAt = prev.BreakerOpenedAt
	} else if err != ErrNotFound {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM sandbox`); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sandbox (`+sandboxCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.ObjectID, sb.Status, sb.GitSyncStatus, sb.AuthToken,
		sb.LastHeartbeat, sb.LastActivity, sb.SnapshotImageID,
		sb.BreakerFailures, sb.BreakerOpenedAt, sb.CreatedAt,
	)
	return err
}

// GetSandbox retrieves the current sandbox record, or ErrNotFound.
func (s *Store) GetSandbox() (*Sandbox, error) {
	row := s.db.QueryRow(`SELECT ` + sandboxCols + ` FROM sandbox LIMIT 1`)
	sb := &Sandbox{}
	err := row.Scan(
		&sb.ID, &sb.ObjectID, &sb.Status, &sb.GitSyncStatus, &sb.AuthToken,
		&sb.LastHeartbeat, &sb.LastActivity, &sb.SnapshotImageID,
		&sb.BreakerFailures, &sb.BreakerOpenedAt, &sb.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// UpdateSandbox persists all mutable sandbox fields.
func (s *Store) UpdateSandbox(sb *Sandbox) error {
	_, err := s.db.Exec(
		`UPDATE sandbox SET
			object_id = ?, status = ?, git_sync_status = ?, auth_token = ?,
			last_heartbeat = ?, last_activity = ?, snapshot_image_id = ?,
			breaker_failures = ?, breaker_opened_at = ?
		 WHERE id = ?`,
		sb.ObjectID, sb.Status, sb.GitSyncStatus, sb.AuthToken,
		sb.LastHeartbeat, sb.LastActivity, sb.SnapshotImageID,
		sb.BreakerFailures, sb.BreakerOpenedAt, sb.ID,
	)
	return err
}

// --- WebSocket client mappings ---

// PutWSMapping records (or re-asserts) a socket tag -> participant mapping.
func (s *Store) PutWSMapping(m *WSClientMapping) error {
	_, err := s.db.Exec(
		`INSERT INTO ws_client_mapping (ws_id, participant_id, client_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(ws_id) DO UPDATE SET
			participant_id = excluded.participant_id,
			client_id = excluded.client_id`,
		m.WSID, m.ParticipantID, m.ClientID, m.CreatedAt,
	)
	return err
}

// GetWSMapping looks up the mapping for a socket tag, or ErrNotFound.
func (s *Store) GetWSMapping(wsID string) (*WSClientMapping, error) {
	row := s.db.QueryRow(
		`SELECT ws_id, participant_id, client_id, created_at
		 FROM ws_client_mapping WHERE ws_id = ?`, wsID)
	m := &WSClientMapping{}
	err := row.Scan(&m.WSID, &m.ParticipantID, &m.ClientID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteWSMapping removes a mapping on explicit close.
func (s *Store) DeleteWSMapping(wsID string) error {
	_, err := s.db.Exec(`DELETE FROM ws_client_mapping WHERE ws_id = ?`, wsID)
	return err
}

// PurgeWSMappingsBefore garbage-collects mappings older than the cutoff.
func (s *Store) PurgeWSMappingsBefore(cutoff int64) error {
	_, err := s.db.Exec(`DELETE FROM ws_client_mapping WHERE created_at < ?`, cutoff)
	return err
}
