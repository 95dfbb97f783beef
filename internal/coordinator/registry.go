package coordinator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jxucoder/sidecoder/internal/store"
)

// Registry supervises one coordinator actor per session. Actors are created
// lazily and recovered from persistent state after an eviction: resuming a
// session is an actor restart, not a consistency problem.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	actors map[string]*Coordinator // keyed by session name
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		actors: make(map[string]*Coordinator),
	}
}

// CreateSessionRequest describes a new session and its owner.
type CreateSessionRequest struct {
	SessionName string `json:"session_name,omitempty"`
	Title       string `json:"title,omitempty"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	Model       string `json:"model,omitempty"`
	BaseSHA     string `json:"base_sha,omitempty"`

	Owner AddParticipantRequest `json:"owner"`
}

// Create provisions a new session: its store, its singleton row, its owner
// participant, and its actor.
func (r *Registry) Create(req CreateSessionRequest) (*Coordinator, *store.Session, error) {
	if req.RepoOwner == "" || req.RepoName == "" {
		return nil, nil, fmt.Errorf("repo_owner and repo_name are required")
	}
	if req.Owner.UserID == "" {
		return nil, nil, fmt.Errorf("owner.user_id is required")
	}

	id := store.NewID()
	name := strings.ToLower(strings.TrimSpace(req.SessionName))
	if name == "" {
		name = id
	}
	model := req.Model
	if model == "" {
		model = r.deps.Config.DefaultModel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.deps.Index.Get(name); err == nil {
		return nil, nil, fmt.Errorf("session %q already exists", name)
	}

	dbPath, err := r.sessionDBPath(name)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session store: %w", err)
	}

	now := store.NowMillis()
	sess := &store.Session{
		ID:          id,
		SessionName: name,
		Title:       req.Title,
		RepoOwner:   strings.ToLower(req.RepoOwner),
		RepoName:    strings.ToLower(req.RepoName),
		BaseSHA:     req.BaseSHA,
		BranchName:  BranchName(name),
		Model:       model,
		Status:      store.SessionCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateSession(sess); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("creating session row: %w", err)
	}

	if err := r.deps.Index.Put(&store.IndexEntry{
		ID:          sess.ID,
		SessionName: sess.SessionName,
		Title:       sess.Title,
		RepoOwner:   sess.RepoOwner,
		RepoName:    sess.RepoName,
		Status:      sess.Status,
		DBPath:      dbPath,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	}); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("indexing session: %w", err)
	}

	c := newCoordinator(r.deps, name, st)
	r.actors[name] = c

	req.Owner.Role = string(store.RoleOwner)
	if _, err := c.AddParticipant(req.Owner); err != nil {
		log.Printf("session %s: adding owner participant: %v", name, err)
	}

	return c, sess, nil
}

// Get returns the live actor for a session, recovering it from the store if
// the process was restarted since it last ran. Returns store.ErrNotFound
// for unknown sessions.
func (r *Registry) Get(sessionName string) (*Coordinator, error) {
	name := strings.ToLower(strings.TrimSpace(sessionName))

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.actors[name]; ok {
		return c, nil
	}

	entry, err := r.deps.Index.Get(name)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(entry.DBPath)
	if err != nil {
		return nil, fmt.Errorf("reopening session store: %w", err)
	}

	c := newCoordinator(r.deps, name, st)
	r.actors[name] = c
	return c, nil
}

// GetByRepo returns the actor for the most recently active session bound to
// a repository. Used by webhook ingestion, which only knows the repo.
func (r *Registry) GetByRepo(repoOwner, repoName string) (*Coordinator, error) {
	entry, err := r.deps.Index.FindByRepo(repoOwner, repoName)
	if err != nil {
		return nil, err
	}
	return r.Get(entry.SessionName)
}

// List pages through the fleet-wide session index.
func (r *Registry) List(cursor int64, limit int) ([]*store.IndexEntry, bool, error) {
	return r.deps.Index.List(cursor, limit)
}

// Delete shuts the actor down and removes the session's store and index
// entry.
func (r *Registry) Delete(sessionName string) error {
	name := strings.ToLower(strings.TrimSpace(sessionName))

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.deps.Index.Get(name)
	if err != nil {
		return err
	}

	if c, ok := r.actors[name]; ok {
		c.StopSandbox()
		c.Shutdown()
		delete(r.actors, name)
	}

	if err := r.deps.Index.Delete(name); err != nil {
		return fmt.Errorf("removing index entry: %w", err)
	}
	if err := os.Remove(entry.DBPath); err != nil && !os.IsNotExist(err) {
		log.Printf("session %s: removing store file: %v", name, err)
	}
	return nil
}

// CloseAll shuts down every live actor. Used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	actors := make([]*Coordinator, 0, len(r.actors))
	for _, c := range r.actors {
		actors = append(actors, c)
	}
	r.actors = make(map[string]*Coordinator)
	r.mu.Unlock()

	for _, c := range actors {
		c.Shutdown()
	}
}

func (r *Registry) sessionDBPath(name string) (string, error) {
	dir := filepath.Join(r.deps.Config.DataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating sessions directory: %w", err)
	}
	return filepath.Join(dir, name+".db"), nil
}
