// Package server provides the SideCoder HTTP façade: it dispatches the
// external surface to the per-session coordinator actors, enforcing the
// authentication class of each route.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/sidecoder/internal/config"
	"github.com/jxucoder/sidecoder/internal/coordinator"
	"github.com/jxucoder/sidecoder/internal/github"
	"github.com/jxucoder/sidecoder/internal/secrets"
	"github.com/jxucoder/sidecoder/internal/store"
)

// Server binds the coordinator registry to the external HTTP surface.
type Server struct {
	config   *config.Config
	registry *coordinator.Registry
	router   chi.Router
}

// New creates a Server around an existing registry.
func New(cfg *config.Config, registry *coordinator.Registry) *Server {
	s := &Server{config: cfg, registry: registry}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("SideCoder coordinator listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	s.registry.CloseAll()
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public routes: health and webhooks verified by their own signatures.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Post("/webhooks/github", s.handleGitHubWebhook)

	// WebSocket upgrades authenticate in-band (subscribe flow or sandbox
	// bearer), not with the service HMAC.
	r.Get("/sessions/{id}/ws", s.handleWebSocket)

	// The PR route accepts either a sandbox bearer or a service token.
	r.Post("/sessions/{id}/pr", s.withSandboxOrServiceAuth(s.handleCreatePR))

	// Everything else is service-to-service.
	r.Group(func(r chi.Router) {
		r.Use(s.serviceAuth)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/sessions/{id}/warm", s.handleWarm)
		r.Post("/sessions/{id}/prompt", s.handlePrompt)
		r.Post("/sessions/{id}/stop", s.handleStop)
		r.Get("/sessions/{id}/events", s.handleEvents)
		r.Get("/sessions/{id}/artifacts", s.handleArtifacts)
		r.Get("/sessions/{id}/participants", s.handleListParticipants)
		r.Post("/sessions/{id}/participants", s.handleAddParticipant)
		r.Get("/sessions/{id}/messages", s.handleMessages)
		r.Post("/sessions/{id}/ws-token", s.handleMintWSToken)
		r.Post("/sessions/{id}/archive", s.handleArchive)
		r.Post("/sessions/{id}/unarchive", s.handleUnarchive)
	})

	return r
}

// --- Authentication middleware ---

// serviceAuth enforces the HMAC bearer on service-to-service routes. It
// fails closed when no secret is configured.
func (s *Server) serviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.InternalCallbackSecret == "" {
			writeError(w, http.StatusInternalServerError, "Internal authentication not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok || !secrets.ValidateServiceToken(s.config.InternalCallbackSecret, token, time.Now()) {
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withSandboxOrServiceAuth lets the sandbox call the PR route with its own
// bearer; token validation is delegated to the session's coordinator.
func (s *Server) withSandboxOrServiceAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if s.config.InternalCallbackSecret != "" &&
			secrets.ValidateServiceToken(s.config.InternalCallbackSecret, token, time.Now()) {
			next(w, r)
			return
		}

		c, err := s.registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		valid, err := c.ValidateSandboxToken(token)
		if err != nil || !valid {
			writeError(w, http.StatusUnauthorized, "invalid sandbox token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	return token, ok && token != ""
}

// --- Session handlers ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Repository identifiers are normalized at the boundary.
	req.RepoOwner = strings.ToLower(strings.TrimSpace(req.RepoOwner))
	req.RepoName = strings.ToLower(strings.TrimSpace(req.RepoName))

	_, sess, err := s.registry.Create(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	cursor := queryInt64(r, "cursor")
	limit := int(queryInt64(r, "limit"))

	items, hasMore, err := s.registry.List(cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	var next int64
	if len(items) > 0 {
		next = items[len(items)-1].CreatedAt
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: asAny(items), Cursor: next, HasMore: hasMore})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	state, err := c.State()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := c.Warm(); err != nil {
		writeError(w, http.StatusInternalServerError, "warm request failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"warming": true})
}

type promptRequest struct {
	UserID          string          `json:"user_id"`
	Content         string          `json:"content"`
	Source          string          `json:"source,omitempty"`
	Model           string          `json:"model,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	CallbackContext json.RawMessage `json:"callback_context,omitempty"`
	ExternalID      string          `json:"external_id,omitempty"`
}

type promptResponse struct {
	MessageID string `json:"message_id"`
	Position  int    `json:"position"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id and content are required")
		return
	}
	source := store.MessageSource(req.Source)
	switch source {
	case store.SourceWeb, store.SourceSlack, store.SourceExtension, store.SourceGitHub:
	case "":
		source = store.SourceWeb
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return
	}

	msg, position, err := c.EnqueueFromUser(req.UserID, coordinator.PromptRequest{
		Content:         req.Content,
		Source:          source,
		Model:           req.Model,
		Attachments:     string(req.Attachments),
		CallbackContext: string(req.CallbackContext),
		ExternalID:      req.ExternalID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Chat-platform retries are silently absorbed.
			writeJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "participant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue prompt")
		return
	}
	writeJSON(w, http.StatusCreated, promptResponse{MessageID: msg.ID, Position: position})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := c.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, "stop request failed")
		return
	}
	// Stop with nothing running is a no-op.
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": true})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	events, hasMore, err := c.Events(
		queryInt64(r, "cursor"),
		int(queryInt64(r, "limit")),
		store.EventType(r.URL.Query().Get("type")),
		r.URL.Query().Get("message_id"),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	var next int64
	if len(events) > 0 {
		next = events[len(events)-1].CreatedAt
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: asAny(events), Cursor: next, HasMore: hasMore})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	msgs, hasMore, err := c.Messages(
		queryInt64(r, "cursor"),
		int(queryInt64(r, "limit")),
		store.MessageStatus(r.URL.Query().Get("status")),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	var next int64
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].CreatedAt
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: asAny(msgs), Cursor: next, HasMore: hasMore})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	artifacts, err := c.Artifacts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []*store.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	participants, err := c.Participants()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list participants")
		return
	}
	if participants == nil {
		participants = []*store.Participant{}
	}
	writeJSON(w, http.StatusOK, participants)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	var req coordinator.AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	p, err := c.AddParticipant(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add participant")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleMintWSToken(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	token, err := c.MintWSToken(req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "participant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, true)
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, false)
}

func (s *Server) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	if archived {
		c.StopSandbox()
	}
	if err := c.SetArchived(archived); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": archived})
}

func (s *Server) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title,omitempty"`
		Body  string `json:"body,omitempty"`
	}
	// An empty body is fine; the coordinator derives a title.
	json.NewDecoder(r.Body).Decode(&req)

	result, err := c.CreatePR(r.Context(), req.Title, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrNoProcessingMessage):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, coordinator.ErrAuthenticationRequired):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// --- WebSocket upgrades ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("type") == "sandbox" {
		token, tok := bearerToken(r)
		objectID := r.Header.Get("X-Sandbox-ID")
		if !tok || objectID == "" {
			writeError(w, http.StatusUnauthorized, "missing sandbox credentials")
			return
		}
		gone, valid := c.AuthorizeSandboxSocket(token, objectID)
		if gone {
			writeError(w, http.StatusGone, "sandbox is no longer accepting connections")
			return
		}
		if !valid {
			writeError(w, http.StatusUnauthorized, "invalid sandbox credentials")
			return
		}
		if err := c.Hub().AcceptSandbox(w, r, objectID); err != nil {
			log.Printf("session %s: sandbox upgrade failed: %v", c.SessionID(), err)
			return
		}
		c.SandboxConnected(objectID)
		return
	}

	// Client socket: tag it now; identity arrives with the subscribe frame
	// or is recovered from the ws_client_mapping row after a restart.
	wsID := r.URL.Query().Get("ws_id")
	if wsID == "" {
		wsID = store.NewID()
	}
	if _, err := c.Hub().AcceptClient(w, r, wsID); err != nil {
		log.Printf("session %s: client upgrade failed: %v", c.SessionID(), err)
	}
}

// --- GitHub webhook ---

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := github.ParseWebhook(r, s.config.GitHubWebhookSecret)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if event == nil || !strings.HasPrefix(strings.TrimSpace(event.CommentBody), "@sidecoder") {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}

	owner, repo, err := github.SplitRepo(strings.ToLower(event.Repo))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.registry.GetByRepo(owner, repo)
	if err != nil {
		writeError(w, http.StatusNotFound, "no session for repository")
		return
	}

	content := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(event.CommentBody), "@sidecoder"))
	_, _, err = c.EnqueueFromUser(fmt.Sprintf("github:%d", event.CommentUserID), coordinator.PromptRequest{
		Content:    content,
		Source:     store.SourceGitHub,
		ExternalID: "github-delivery:" + event.DeliveryID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Webhook retries are acknowledged without re-enqueueing.
			writeJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "commenter is not a session participant")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue prompt")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

// --- Helpers ---

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	c, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return c, true
}

type pageResponse struct {
	Items   []any `json:"items"`
	Cursor  int64 `json:"cursor"`
	HasMore bool  `json:"hasMore"`
}

func asAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt64(r *http.Request, key string) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
