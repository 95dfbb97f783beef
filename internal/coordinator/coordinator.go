// Package coordinator implements the session coordinator: one logically
// isolated, single-threaded actor per session that owns all session state,
// mediates between clients and the sandbox, drives the sandbox lifecycle,
// enforces prompt queue semantics, and brokers push/PR creation.
package coordinator

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/jxucoder/sidecoder/internal/config"
	"github.com/jxucoder/sidecoder/internal/github"
	"github.com/jxucoder/sidecoder/internal/hub"
	"github.com/jxucoder/sidecoder/internal/provider"
	"github.com/jxucoder/sidecoder/internal/secrets"
	"github.com/jxucoder/sidecoder/internal/store"
)

// Notifier delivers fire-and-forget completion notices to chat surfaces.
// Implementations perform their own bounded retries and never block the
// caller.
type Notifier interface {
	MessageFinished(callbackContext string, success bool, summary string)
	ArtifactCreated(callbackContext string, artifactURL string)
}

// Coordinator is the per-session actor. All session state is owned by the
// run loop: handlers execute one at a time on the mailbox goroutine, so the
// store needs no additional locking. Everything outside the store (pending
// pushes, timers, presence) is volatile and reconstructed after a restart.
type Coordinator struct {
	cfg       *config.Config
	sessionID string

	store    *store.Store
	index    *store.Index
	provider *provider.Client
	github   *github.Client
	cipher   *secrets.Cipher
	notifier Notifier // nil when Slack is not configured

	hub *hub.Hub

	mailbox chan func()
	done    chan struct{}
	stopped chan struct{}

	// Actor-loop-only volatile state.
	pendingPushes      map[string]*pushWaiter
	presence           map[string]json.RawMessage
	snapshotting       bool
	snapshotFollowups  []func()
	breakerWindowStart int64
	alarm              *time.Timer
	connectDeadline    *time.Timer
	warmLimiter        *rate.Limiter
}

// Deps bundles the process-wide collaborators shared by all coordinators.
type Deps struct {
	Config   *config.Config
	Index    *store.Index
	Provider *provider.Client
	GitHub   *github.Client
	Cipher   *secrets.Cipher
	Notifier Notifier
}

// newCoordinator wires an actor around an open session store and starts its
// run loop. Used by the Registry; callers go through Registry.Create or Registry.Get.
func newCoordinator(deps Deps, sessionID string, st *store.Store) *Coordinator {
	c := &Coordinator{
		cfg:           deps.Config,
		sessionID:     sessionID,
		store:         st,
		index:         deps.Index,
		provider:      deps.Provider,
		github:        deps.GitHub,
		cipher:        deps.Cipher,
		notifier:      deps.Notifier,
		mailbox:       make(chan func(), 256),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		pendingPushes: make(map[string]*pushWaiter),
		presence:      make(map[string]json.RawMessage),
		warmLimiter:   rate.NewLimiter(rate.Every(deps.Config.WarmInterval), 1),
	}
	c.hub = hub.New(c)
	go c.run()
	c.post(func() { c.rearmAlarm() })
	return c
}

// run executes mailbox closures one at a time until shutdown. This is the
// single-threadedness guarantee: every handler below runs here.
func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// post enqueues work onto the actor loop without waiting for it.
func (c *Coordinator) post(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.done:
	}
}

// call runs fn on the actor loop and waits for its result.
func call[T any](c *Coordinator, fn func() (T, error)) (T, error) {
	type reply struct {
		val T
		err error
	}
	ch := make(chan reply, 1)
	c.post(func() {
		v, err := fn()
		ch <- reply{v, err}
	})
	select {
	case r := <-ch:
		return r.val, r.err
	case <-c.done:
		var zero T
		return zero, fmt.Errorf("session %s: coordinator shut down", c.sessionID)
	}
}

// Hub exposes the session's WebSocket hub to the Façade for upgrades.
func (c *Coordinator) Hub() *hub.Hub { return c.hub }

// SessionID returns the stable id this actor is keyed by.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Shutdown stops the run loop and closes sockets and the store.
func (c *Coordinator) Shutdown() {
	c.post(func() {
		if c.alarm != nil {
			c.alarm.Stop()
		}
		if c.connectDeadline != nil {
			c.connectDeadline.Stop()
		}
		close(c.done)
	})
	<-c.stopped
	c.hub.Close()
	if err := c.store.Close(); err != nil {
		log.Printf("session %s: closing store: %v", c.sessionID, err)
	}
}

// --- Public state operations (invoked from the Façade) ---

// SessionState is the full externally visible state of a session.
type SessionState struct {
	Session      *store.Session       `json:"session"`
	Sandbox      *store.Sandbox       `json:"sandbox,omitempty"`
	Participants []*store.Participant `json:"participants"`
	Processing   *store.Message       `json:"processing,omitempty"`
	QueueLength  int                  `json:"queue_length"`
}

// State returns the full session state.
func (c *Coordinator) State() (*SessionState, error) {
	return call(c, func() (*SessionState, error) {
		return c.stateLocked()
	})
}

func (c *Coordinator) stateLocked() (*SessionState, error) {
	sess, err := c.store.GetSession()
	if err != nil {
		return nil, err
	}
	st := &SessionState{Session: sess}
	if sb, err := c.store.GetSandbox(); err == nil {
		st.Sandbox = sb
	}
	if parts, err := c.store.ListParticipants(); err == nil {
		st.Participants = parts
	}
	if m, err := c.store.ProcessingMessage(); err == nil {
		st.Processing = m
	}
	st.QueueLength, _ = c.store.PendingOrProcessingCount()
	return st, nil
}

// Events pages through the session's event log.
func (c *Coordinator) Events(cursor int64, limit int, typ store.EventType, messageID string) ([]*store.Event, bool, error) {
	type page struct {
		events  []*store.Event
		hasMore bool
	}
	p, err := call(c, func() (page, error) {
		ev, more, err := c.store.ListEvents(cursor, limit, typ, messageID)
		return page{ev, more}, err
	})
	return p.events, p.hasMore, err
}

// Messages pages through the prompt FIFO.
func (c *Coordinator) Messages(cursor int64, limit int, status store.MessageStatus) ([]*store.Message, bool, error) {
	type page struct {
		messages []*store.Message
		hasMore  bool
	}
	p, err := call(c, func() (page, error) {
		ms, more, err := c.store.ListMessages(cursor, limit, status)
		return page{ms, more}, err
	})
	return p.messages, p.hasMore, err
}

// Artifacts lists the session's artifacts.
func (c *Coordinator) Artifacts() ([]*store.Artifact, error) {
	return call(c, func() ([]*store.Artifact, error) {
		return c.store.ListArtifacts()
	})
}

// Participants lists the session's participants.
func (c *Coordinator) Participants() ([]*store.Participant, error) {
	return call(c, func() ([]*store.Participant, error) {
		return c.store.ListParticipants()
	})
}

// AddParticipantRequest describes a participant join.
type AddParticipantRequest struct {
	UserID       string `json:"user_id"`
	GitHubUserID int64  `json:"github_user_id,omitempty"`
	GitHubLogin  string `json:"github_login,omitempty"`
	GitHubName   string `json:"github_name,omitempty"`
	GitHubEmail  string `json:"github_email,omitempty"`
	Role         string `json:"role,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	TokenExpires int64  `json:"token_expires_at,omitempty"`
}

// AddParticipant joins (or refreshes) a participant. Access tokens are
// encrypted before they touch the store.
func (c *Coordinator) AddParticipant(req AddParticipantRequest) (*store.Participant, error) {
	return call(c, func() (*store.Participant, error) {
		role := store.Role(req.Role)
		if role != store.RoleOwner {
			role = store.RoleMember
		}
		var enc string
		if req.AccessToken != "" {
			var err error
			enc, err = c.cipher.Encrypt(req.AccessToken)
			if err != nil {
				return nil, fmt.Errorf("encrypting access token: %w", err)
			}
		}
		p := &store.Participant{
			ID:             store.NewID(),
			UserID:         req.UserID,
			GitHubUserID:   req.GitHubUserID,
			GitHubLogin:    req.GitHubLogin,
			GitHubName:     req.GitHubName,
			GitHubEmail:    req.GitHubEmail,
			Role:           role,
			AccessTokenEnc: enc,
			TokenExpiresAt: req.TokenExpires,
			JoinedAt:       store.NowMillis(),
		}
		if err := c.store.UpsertParticipant(p); err != nil {
			return nil, fmt.Errorf("upserting participant: %w", err)
		}
		return c.store.GetParticipantByUserID(req.UserID)
	})
}

// MintWSToken issues a fresh client WebSocket token for a participant,
// overwriting the stored hash so older tokens stop validating.
func (c *Coordinator) MintWSToken(userID string) (string, error) {
	return call(c, func() (string, error) {
		p, err := c.store.GetParticipantByUserID(userID)
		if err != nil {
			return "", err
		}
		token, err := secrets.NewToken()
		if err != nil {
			return "", err
		}
		if err := c.store.SetParticipantWSToken(p.ID, secrets.HashToken(token), store.NowMillis()); err != nil {
			return "", err
		}
		return token, nil
	})
}

// SetArchived flips the session between active and archived.
func (c *Coordinator) SetArchived(archived bool) error {
	_, err := call(c, func() (struct{}, error) {
		sess, err := c.store.GetSession()
		if err != nil {
			return struct{}{}, err
		}
		if archived {
			sess.Status = store.SessionArchived
		} else {
			sess.Status = store.SessionActive
		}
		if err := c.store.UpdateSession(sess); err != nil {
			return struct{}{}, err
		}
		c.updateIndex(sess)
		c.hub.Broadcast(hub.SessionStatusFrame(sess.Status))
		return struct{}{}, nil
	})
	return err
}

// ValidateSandboxToken checks a bearer token against the persisted sandbox
// auth token. Tokens for sandboxes in stopped or stale state are rejected.
func (c *Coordinator) ValidateSandboxToken(token string) (bool, error) {
	return call(c, func() (bool, error) {
		sb, err := c.store.GetSandbox()
		if err != nil {
			return false, nil
		}
		if sb.Status == store.SandboxStopped || sb.Status == store.SandboxStale {
			return false, nil
		}
		return sb.AuthToken != "" && sb.AuthToken == token, nil
	})
}

// AuthorizeSandboxSocket validates a sandbox upgrade before the Façade
// accepts it: bearer must match the stored auth token, the object id must
// match, and the sandbox must not be stopped or stale (HTTP 410 upstream).
func (c *Coordinator) AuthorizeSandboxSocket(token, objectID string) (gone bool, ok bool) {
	type verdict struct{ gone, ok bool }
	v, _ := call(c, func() (verdict, error) {
		sb, err := c.store.GetSandbox()
		if err != nil {
			return verdict{}, nil
		}
		if sb.Status == store.SandboxStopped || sb.Status == store.SandboxStale {
			return verdict{gone: true}, nil
		}
		if sb.AuthToken == "" || sb.AuthToken != token {
			return verdict{}, nil
		}
		if sb.ObjectID != "" && objectID != sb.ObjectID {
			return verdict{}, nil
		}
		return verdict{ok: true}, nil
	})
	return v.gone, v.ok
}

func (c *Coordinator) updateIndex(sess *store.Session) {
	if c.index == nil {
		return
	}
	err := c.index.Put(&store.IndexEntry{
		ID:          sess.ID,
		SessionName: sess.SessionName,
		Title:       sess.Title,
		RepoOwner:   sess.RepoOwner,
		RepoName:    sess.RepoName,
		Status:      sess.Status,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	})
	if err != nil {
		log.Printf("session %s: updating index: %v", c.sessionID, err)
	}
}

// emitEvent persists a coordinator-originated event and fans it out.
func (c *Coordinator) emitEvent(typ store.EventType, payload any, messageID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("session %s: encoding event payload: %v", c.sessionID, err)
		return
	}
	e := &store.Event{
		ID:        store.NewID(),
		Type:      typ,
		Payload:   string(data),
		MessageID: messageID,
		CreatedAt: store.NowMillis(),
	}
	if err := c.store.AddEvent(e); err != nil {
		log.Printf("session %s: storing event: %v", c.sessionID, err)
	}
	c.hub.Broadcast(hub.SandboxEventFrame(e))
}
