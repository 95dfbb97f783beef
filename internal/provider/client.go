// Package provider wraps the external sandbox compute service: create, warm,
// snapshot, and restore operations over HTTP. Failures are classified as
// transient or permanent so the lifecycle manager can drive its circuit
// breaker without parsing error text.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jxucoder/sidecoder/internal/secrets"
)

// Error is a classified provider failure. Transient errors may be retried
// and count toward the circuit breaker; permanent errors must not be
// retried.
type Error struct {
	Op        string
	Status    int // HTTP status, 0 for network errors
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Message)
}

// IsTransient reports whether err is a transient provider error.
func IsTransient(err error) bool {
	pe, ok := err.(*Error)
	return ok && pe.Transient
}

// SandboxConfig describes the sandbox to create or restore.
type SandboxConfig struct {
	SessionID   string `json:"session_id"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	Branch      string `json:"branch"`
	BaseSHA     string `json:"base_sha,omitempty"`
	Model       string `json:"model,omitempty"`
	AuthToken   string `json:"auth_token"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// CreateResult is the contract of a successful create call.
type CreateResult struct {
	SandboxID string `json:"sandbox_id"`
	ObjectID  string `json:"object_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// SnapshotResult is the contract of a successful snapshot call.
type SnapshotResult struct {
	ImageID string `json:"image_id"`
}

// RestoreResult is the contract of a successful restore call.
type RestoreResult struct {
	SandboxID string `json:"sandbox_id"`
	ObjectID  string `json:"object_id"`
}

// Client is a typed wrapper over the sandbox provider API. Every request
// carries an HMAC-signed bearer token generated from the shared secret.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	now     func() time.Time
}

// New creates a provider client for the given base URL and shared secret.
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 60 * time.Second},
		now:     time.Now,
	}
}

// Create provisions a fresh sandbox.
func (c *Client) Create(ctx context.Context, cfg SandboxConfig) (*CreateResult, error) {
	var out CreateResult
	if err := c.post(ctx, "create-sandbox", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Warm asks the provider to pre-pull images and caches for a repo.
func (c *Client) Warm(ctx context.Context, cfg SandboxConfig) error {
	return c.post(ctx, "warm-sandbox", cfg, nil)
}

// Snapshot captures the filesystem of a running sandbox.
func (c *Client) Snapshot(ctx context.Context, objectID string) (*SnapshotResult, error) {
	body := map[string]string{"object_id": objectID}
	var out SnapshotResult
	if err := c.post(ctx, "snapshot-sandbox", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restore boots a sandbox from a previous snapshot image.
func (c *Client) Restore(ctx context.Context, imageID string, cfg SandboxConfig) (*RestoreResult, error) {
	body := struct {
		ImageID string `json:"image_id"`
		SandboxConfig
	}{imageID, cfg}
	var out RestoreResult
	if err := c.post(ctx, "restore-sandbox", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop asks the provider to terminate a running sandbox.
func (c *Client) Stop(ctx context.Context, objectID string) error {
	body := map[string]string{"object_id": objectID}
	return c.post(ctx, "stop-sandbox", body, nil)
}

// LatestSnapshot returns the most recent snapshot image for a repository,
// if the provider has one.
func (c *Client) LatestSnapshot(ctx context.Context, repoOwner, repoName string) (*SnapshotResult, error) {
	body := map[string]string{"repo_owner": repoOwner, "repo_name": repoName}
	var out SnapshotResult
	if err := c.post(ctx, "snapshot", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the provider.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Op: "health", Message: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: "health", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classify("health", resp.StatusCode, "provider unhealthy")
	}
	return nil
}

// SandboxURL derives the WebSocket endpoint a sandbox connects back to for
// the given session.
func SandboxURL(publicBase, sessionID string) string {
	return strings.TrimRight(publicBase, "/") + "/sessions/" + sessionID + "/ws?type=sandbox"
}

func (c *Client) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secrets.GenerateServiceToken(c.secret, c.now()))

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors are retryable by design.
		return &Error{Op: op, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(op, resp.StatusCode, errorMessage(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
		}
	}
	return nil
}

// classify maps HTTP statuses onto the retry contract: 502/503/504 are
// transient, everything else (4xx, unrecognized 5xx) is permanent.
func classify(op string, status int, msg string) *Error {
	transient := status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
	return &Error{Op: op, Status: status, Message: msg, Transient: transient}
}

func errorMessage(raw []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = "no response body"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
