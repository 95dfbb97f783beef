// Package store provides per-session persistence for the coordinator using
// SQLite. Each session owns exactly one database file; a separate index
// database supports fleet-wide session listing.
package store

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque 128-bit token rendered as lowercase hex.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NowMillis returns the current time as integer milliseconds since epoch.
// All persisted timestamps use this representation.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// Session is the singleton record for one coordinator.
type Session struct {
	ID                string        `json:"id"`
	SessionName       string        `json:"session_name"`
	Title             string        `json:"title,omitempty"`
	RepoOwner         string        `json:"repo_owner"`
	RepoName          string        `json:"repo_name"`
	RepoDefaultBranch string        `json:"repo_default_branch,omitempty"`
	BranchName        string        `json:"branch_name,omitempty"`
	BaseSHA           string        `json:"base_sha,omitempty"`
	CurrentSHA        string        `json:"current_sha,omitempty"`
	AgentSessionID    string        `json:"agent_session_id,omitempty"`
	Model             string        `json:"model"`
	Status            SessionStatus `json:"status"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
}

// Role distinguishes the session owner from invited members.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Participant is a human or service identity with access to the session.
// AccessTokenEnc holds the encrypted version-control token; only the SHA-256
// hash of the current WebSocket token is ever persisted.
type Participant struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	GitHubUserID     int64  `json:"github_user_id,omitempty"`
	GitHubLogin      string `json:"github_login,omitempty"`
	GitHubName       string `json:"github_name,omitempty"`
	GitHubEmail      string `json:"github_email,omitempty"`
	Role             Role   `json:"role"`
	AccessTokenEnc   string `json:"-"`
	TokenExpiresAt   int64  `json:"token_expires_at,omitempty"`
	WSAuthTokenHash  string `json:"-"`
	WSTokenCreatedAt int64  `json:"-"`
	JoinedAt         int64  `json:"joined_at"`
}

// MessageStatus tracks a prompt through the FIFO. Transitions are monotonic:
// pending -> processing -> completed|failed.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// MessageSource identifies which client surface submitted a prompt.
type MessageSource string

const (
	SourceWeb       MessageSource = "web"
	SourceSlack     MessageSource = "slack"
	SourceExtension MessageSource = "extension"
	SourceGitHub    MessageSource = "github"
)

// Message is a prompt in the FIFO.
type Message struct {
	ID              string        `json:"id"`
	AuthorID        string        `json:"author_id"`
	Content         string        `json:"content"`
	Source          MessageSource `json:"source"`
	Model           string        `json:"model,omitempty"`
	Attachments     string        `json:"attachments,omitempty"`      // serialized JSON
	CallbackContext string        `json:"callback_context,omitempty"` // opaque JSON
	ExternalID      string        `json:"-"`                          // dedup key for webhook retries
	Status          MessageStatus `json:"status"`
	CreatedAt       int64         `json:"created_at"`
	StartedAt       int64         `json:"started_at,omitempty"`
	CompletedAt     int64         `json:"completed_at,omitempty"`
}

// EventType discriminates persisted observations from the sandbox or the
// coordinator itself.
type EventType string

const (
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventToken             EventType = "token"
	EventError             EventType = "error"
	EventGitSync           EventType = "git_sync"
	EventHeartbeat         EventType = "heartbeat"
	EventExecutionComplete EventType = "execution_complete"
	EventPushComplete      EventType = "push_complete"
	EventPushError         EventType = "push_error"
	EventArtifact          EventType = "artifact"
)

// Event is an append-only observation, ordered by CreatedAt. MessageID, when
// set, has strict priority over the ambient processing message.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   string    `json:"payload"` // compact JSON
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// SandboxStatus is the lifecycle state of the session's sandbox.
type SandboxStatus string

const (
	SandboxPending      SandboxStatus = "pending"
	SandboxSpawning     SandboxStatus = "spawning"
	SandboxConnecting   SandboxStatus = "connecting"
	SandboxWarming      SandboxStatus = "warming"
	SandboxSyncing      SandboxStatus = "syncing"
	SandboxReady        SandboxStatus = "ready"
	SandboxRunning      SandboxStatus = "running"
	SandboxStale        SandboxStatus = "stale"
	SandboxSnapshotting SandboxStatus = "snapshotting"
	SandboxStopped      SandboxStatus = "stopped"
	SandboxFailed       SandboxStatus = "failed"
)

// GitSyncStatus tracks the repository checkout inside the sandbox.
type GitSyncStatus string

const (
	GitSyncPending    GitSyncStatus = "pending"
	GitSyncInProgress GitSyncStatus = "in_progress"
	GitSyncCompleted  GitSyncStatus = "completed"
	GitSyncFailed     GitSyncStatus = "failed"
)

// Sandbox is the single sandbox instance bound to this session. Creating a
// new sandbox supersedes the old record.
type Sandbox struct {
	ID              string        `json:"id"`
	ObjectID        string        `json:"object_id,omitempty"`
	Status          SandboxStatus `json:"status"`
	GitSyncStatus   GitSyncStatus `json:"git_sync_status"`
	AuthToken       string        `json:"-"`
	LastHeartbeat   int64         `json:"last_heartbeat,omitempty"`
	LastActivity    int64         `json:"last_activity,omitempty"`
	SnapshotImageID string        `json:"snapshot_image_id,omitempty"`
	BreakerFailures int           `json:"-"`
	BreakerOpenedAt int64         `json:"-"`
	CreatedAt       int64         `json:"created_at"`
}

// Usable reports whether the sandbox can accept a prompt now or shortly.
func (s SandboxStatus) Usable() bool {
	switch s {
	case SandboxPending, SandboxSpawning, SandboxConnecting, SandboxWarming,
		SandboxSyncing, SandboxReady, SandboxRunning:
		return true
	}
	return false
}

// Artifact is an externally visible product of a session (PR, screenshot,
// preview URL). Append-only.
type Artifact struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	Metadata  string `json:"metadata,omitempty"` // serialized JSON
	CreatedAt int64  `json:"created_at"`
}

// WSClientMapping ties a socket tag to a participant for hibernation
// recovery. Created when a client authenticates and kept after the socket
// closes, so a reconnect with the same tag resumes. The store offers
// DeleteWSMapping and PurgeWSMappingsBefore; the coordinator calls neither.
type WSClientMapping struct {
	WSID          string `json:"ws_id"`
	ParticipantID string `json:"participant_id"`
	ClientID      string `json:"client_id"`
	CreatedAt     int64  `json:"created_at"`
}
