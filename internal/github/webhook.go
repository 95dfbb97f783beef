package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookEvent is a parsed GitHub webhook event that should feed a session as
// a new prompt (source "github").
type WebhookEvent struct {
	// DeliveryID is GitHub's delivery id, used to deduplicate retries.
	DeliveryID string

	// Repo is the full repository name ("owner/repo").
	Repo string

	// PRNumber is the pull request number the comment belongs to.
	PRNumber int

	// CommentBody is the text of the comment.
	CommentBody string

	// CommentUser is the GitHub login of the commenter.
	CommentUser string

	// CommentUserID is the GitHub id of the commenter.
	CommentUserID int64
}

// ParseWebhook parses a GitHub webhook request. It handles "issue_comment"
// events on pull requests; anything else returns (nil, nil). If secret is
// non-empty, the request signature is verified first.
func ParseWebhook(r *http.Request, secret string) (*WebhookEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			return nil, fmt.Errorf("missing webhook signature")
		}
		if !verifySignature(body, sig, secret) {
			return nil, fmt.Errorf("invalid webhook signature")
		}
	}

	if r.Header.Get("X-GitHub-Event") != "issue_comment" {
		return nil, nil
	}

	var payload struct {
		Action string `json:"action"`
		Issue  struct {
			Number      int `json:"number"`
			PullRequest *struct {
				URL string `json:"url"`
			} `json:"pull_request"`
		} `json:"issue"`
		Comment struct {
			Body string `json:"body"`
			User struct {
				ID    int64  `json:"id"`
				Login string `json:"login"`
			} `json:"user"`
		} `json:"comment"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing issue_comment payload: %w", err)
	}

	// Only newly created comments on pull requests (not plain issues).
	if payload.Issue.PullRequest == nil || payload.Action != "created" {
		return nil, nil
	}

	return &WebhookEvent{
		DeliveryID:    r.Header.Get("X-GitHub-Delivery"),
		Repo:          payload.Repository.FullName,
		PRNumber:      payload.Issue.Number,
		CommentBody:   payload.Comment.Body,
		CommentUser:   payload.Comment.User.Login,
		CommentUserID: payload.Comment.User.ID,
	}, nil
}

// SplitRepo splits "owner/repo" into its parts.
func SplitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}

// verifySignature checks the HMAC-SHA256 signature from GitHub.
func verifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(decoded, expected)
}
