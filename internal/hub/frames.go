// Package hub implements the per-session WebSocket fan-out: authenticated
// client sockets, the single sandbox socket, and the frame protocol between
// them. All frames are JSON objects discriminated by a "type" field and are
// parsed into typed variants at the boundary; unparsed maps never travel
// inward.
package hub

import (
	"encoding/json"
	"fmt"

	"github.com/jxucoder/sidecoder/internal/store"
)

// Close codes used by the coordinator.
const (
	CloseInvalidAuth  = 4001 // invalid or missing auth token
	CloseStateLost    = 4002 // state lost after hibernation, client must reconnect
	CloseAuthTimeout  = 4008 // authentication timeout
	CloseSupersededBy = 1000 // normal closure, newer sandbox socket took over
)

// --- Client -> server frames ---

// ClientFrame is a sealed union of frames a client socket may send.
type ClientFrame interface{ clientFrame() }

// PingFrame keeps an idle socket alive. Answered by the hub directly.
type PingFrame struct{}

// SubscribeFrame authenticates a client socket.
type SubscribeFrame struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
}

// PromptFrame enqueues a prompt from an already-subscribed client.
type PromptFrame struct {
	Content     string          `json:"content"`
	Model       string          `json:"model,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// StopFrame requests cancellation of the in-flight execution.
type StopFrame struct{}

// TypingFrame signals user typing; used to warm the sandbox.
type TypingFrame struct{}

// PresenceFrame updates the sender's presence state.
type PresenceFrame struct {
	Status string          `json:"status"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

func (PingFrame) clientFrame()      {}
func (SubscribeFrame) clientFrame() {}
func (PromptFrame) clientFrame()    {}
func (StopFrame) clientFrame()      {}
func (TypingFrame) clientFrame()    {}
func (PresenceFrame) clientFrame()  {}

// ParseClientFrame validates and parses a raw client frame.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch envelope.Type {
	case "ping":
		return PingFrame{}, nil
	case "subscribe":
		var f SubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed subscribe frame: %w", err)
		}
		if f.Token == "" {
			return nil, fmt.Errorf("subscribe frame missing token")
		}
		return f, nil
	case "prompt":
		var f PromptFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed prompt frame: %w", err)
		}
		if f.Content == "" {
			return nil, fmt.Errorf("prompt frame missing content")
		}
		return f, nil
	case "stop":
		return StopFrame{}, nil
	case "typing":
		return TypingFrame{}, nil
	case "presence":
		var f PresenceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed presence frame: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", envelope.Type)
	}
}

// --- Sandbox -> server events ---

// SandboxEvent is a sealed union of events the sandbox streams to the
// coordinator.
type SandboxEvent interface {
	sandboxEvent()
	// EventType maps the variant onto the persisted event type.
	EventType() store.EventType
	// MessageID returns the explicit message correlation carried by the
	// event, or "" when the variant carries none.
	MessageID() string
}

// HeartbeatEvent refreshes the sandbox liveness clock.
type HeartbeatEvent struct{}

// TokenEvent is a streamed model output chunk.
type TokenEvent struct {
	Content string `json:"content"`
	MsgID   string `json:"messageId"`
}

// ToolCallEvent records the agent invoking a tool.
type ToolCallEvent struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
	CallID string          `json:"callId"`
	MsgID  string          `json:"messageId"`
}

// ToolResultEvent records a tool's result.
type ToolResultEvent struct {
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
	MsgID  string          `json:"messageId"`
}

// GitSyncEvent reports repository checkout progress.
type GitSyncEvent struct {
	Status string `json:"status"`
	SHA    string `json:"sha,omitempty"`
}

// ExecutionCompleteEvent ends the current prompt's execution.
type ExecutionCompleteEvent struct {
	MsgID   string `json:"messageId"`
	Success bool   `json:"success"`
}

// ArtifactSandboxEvent publishes a sandbox-produced artifact.
type ArtifactSandboxEvent struct {
	ArtifactType string          `json:"artifactType"`
	URL          string          `json:"url"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// PushCompleteEvent resolves a pending push request.
type PushCompleteEvent struct {
	BranchName string `json:"branchName"`
}

// PushErrorEvent rejects a pending push request.
type PushErrorEvent struct {
	BranchName string `json:"branchName"`
	Err        string `json:"error"`
}

func (HeartbeatEvent) sandboxEvent()         {}
func (TokenEvent) sandboxEvent()             {}
func (ToolCallEvent) sandboxEvent()          {}
func (ToolResultEvent) sandboxEvent()        {}
func (GitSyncEvent) sandboxEvent()           {}
func (ExecutionCompleteEvent) sandboxEvent() {}
func (ArtifactSandboxEvent) sandboxEvent()   {}
func (PushCompleteEvent) sandboxEvent()      {}
func (PushErrorEvent) sandboxEvent()         {}

func (HeartbeatEvent) EventType() store.EventType         { return store.EventHeartbeat }
func (TokenEvent) EventType() store.EventType             { return store.EventToken }
func (ToolCallEvent) EventType() store.EventType          { return store.EventToolCall }
func (ToolResultEvent) EventType() store.EventType        { return store.EventToolResult }
func (GitSyncEvent) EventType() store.EventType           { return store.EventGitSync }
func (ExecutionCompleteEvent) EventType() store.EventType { return store.EventExecutionComplete }
func (ArtifactSandboxEvent) EventType() store.EventType   { return store.EventArtifact }
func (PushCompleteEvent) EventType() store.EventType      { return store.EventPushComplete }
func (PushErrorEvent) EventType() store.EventType         { return store.EventPushError }

func (HeartbeatEvent) MessageID() string           { return "" }
func (e TokenEvent) MessageID() string             { return e.MsgID }
func (e ToolCallEvent) MessageID() string          { return e.MsgID }
func (e ToolResultEvent) MessageID() string        { return e.MsgID }
func (GitSyncEvent) MessageID() string             { return "" }
func (e ExecutionCompleteEvent) MessageID() string { return e.MsgID }
func (ArtifactSandboxEvent) MessageID() string     { return "" }
func (PushCompleteEvent) MessageID() string        { return "" }
func (PushErrorEvent) MessageID() string           { return "" }

// ParseSandboxEvent validates and parses a raw sandbox frame.
func ParseSandboxEvent(data []byte) (SandboxEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed sandbox frame: %w", err)
	}

	parse := func(v any) error {
		return json.Unmarshal(data, v)
	}

	switch envelope.Type {
	case "heartbeat":
		return HeartbeatEvent{}, nil
	case "token":
		var e TokenEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	case "tool_call":
		var e ToolCallEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	case "tool_result":
		var e ToolResultEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	case "git_sync":
		var e GitSyncEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	case "execution_complete":
		var e ExecutionCompleteEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		if e.MsgID == "" {
			return nil, fmt.Errorf("execution_complete missing messageId")
		}
		return e, nil
	case "artifact":
		var e ArtifactSandboxEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	case "push_complete":
		var e PushCompleteEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	case "push_error":
		var e PushErrorEvent
		if err := parse(&e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown sandbox event type %q", envelope.Type)
	}
}

// --- Server -> client frames (constructed, never parsed) ---

func marshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// Pong answers a ping.
func Pong(timestamp int64) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{"pong", timestamp})
}

// Subscribed confirms client authentication and carries the session state.
func Subscribed(sessionID string, state any, participantID string, participant any) []byte {
	return marshal(struct {
		Type          string `json:"type"`
		SessionID     string `json:"sessionId"`
		State         any    `json:"state"`
		ParticipantID string `json:"participantId"`
		Participant   any    `json:"participant,omitempty"`
	}{"subscribed", sessionID, state, participantID, participant})
}

// PromptQueued reports the queue position of a freshly enqueued prompt.
func PromptQueued(messageID string, position int) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
		Position  int    `json:"position"`
	}{"prompt_queued", messageID, position})
}

// SandboxEventFrame relays a persisted sandbox event to clients.
func SandboxEventFrame(event *store.Event) []byte {
	return marshal(struct {
		Type  string       `json:"type"`
		Event *store.Event `json:"event"`
	}{"sandbox_event", event})
}

// SandboxStatusFrame broadcasts a sandbox lifecycle transition. kind is one
// of "sandbox_warming", "sandbox_spawning", "sandbox_status",
// "sandbox_ready", "sandbox_error", "sandbox_warning", "sandbox_restored".
func SandboxStatusFrame(kind string, status store.SandboxStatus, detail string) []byte {
	return marshal(struct {
		Type   string              `json:"type"`
		Status store.SandboxStatus `json:"status,omitempty"`
		Detail string              `json:"detail,omitempty"`
	}{kind, status, detail})
}

// SnapshotSaved announces a completed snapshot.
func SnapshotSaved(imageID, reason string) []byte {
	return marshal(struct {
		Type    string `json:"type"`
		ImageID string `json:"imageId"`
		Reason  string `json:"reason"`
	}{"snapshot_saved", imageID, reason})
}

// ArtifactCreated announces a new artifact.
func ArtifactCreated(artifact *store.Artifact) []byte {
	return marshal(struct {
		Type     string          `json:"type"`
		Artifact *store.Artifact `json:"artifact"`
	}{"artifact_created", artifact})
}

// SessionStatusFrame broadcasts a session status change.
func SessionStatusFrame(status store.SessionStatus) []byte {
	return marshal(struct {
		Type   string              `json:"type"`
		Status store.SessionStatus `json:"status"`
	}{"session_status", status})
}

// ProcessingStatus broadcasts whether a prompt is currently executing.
func ProcessingStatus(isProcessing bool) []byte {
	return marshal(struct {
		Type         string `json:"type"`
		IsProcessing bool   `json:"isProcessing"`
	}{"processing_status", isProcessing})
}

// PresenceFanout relays presence changes. kind is one of "presence_sync",
// "presence_update", "presence_leave".
func PresenceFanout(kind, participantID string, payload json.RawMessage) []byte {
	return marshal(struct {
		Type          string          `json:"type"`
		ParticipantID string          `json:"participantId"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}{kind, participantID, payload})
}

// ErrorFrame reports a client-visible error.
func ErrorFrame(code int, message string) []byte {
	return marshal(struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{"error", code, message})
}

// --- Server -> sandbox frames ---

// PromptCommand dispatches a prompt to the agent.
func PromptCommand(messageID, content, model, author string, attachments json.RawMessage) []byte {
	return marshal(struct {
		Type        string          `json:"type"`
		MessageID   string          `json:"messageId"`
		Content     string          `json:"content"`
		Model       string          `json:"model"`
		Author      string          `json:"author"`
		Attachments json.RawMessage `json:"attachments,omitempty"`
	}{"prompt", messageID, content, model, author, attachments})
}

// PushCommand asks the sandbox to push its branch.
func PushCommand(branchName, repoOwner, repoName, githubToken string) []byte {
	return marshal(struct {
		Type        string `json:"type"`
		BranchName  string `json:"branchName"`
		RepoOwner   string `json:"repoOwner"`
		RepoName    string `json:"repoName"`
		GitHubToken string `json:"githubToken,omitempty"`
	}{"push", branchName, repoOwner, repoName, githubToken})
}

// StopCommand forwards a stop request to the agent.
func StopCommand() []byte {
	return marshal(struct {
		Type string `json:"type"`
	}{"stop"})
}
