package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jxucoder/sidecoder/internal/github"
	"github.com/jxucoder/sidecoder/internal/hub"
	"github.com/jxucoder/sidecoder/internal/store"
)

// The PR/push orchestrator: push is a request/response dance over the
// otherwise one-way sandbox event channel. A push request is identified by
// its normalized branch name; completion arrives as a push_complete or
// push_error event. Pending entries are volatile and are not recovered
// after a restart; in-flight PR requests during an eviction fail fast.

// ErrNoProcessingMessage is returned when a PR is requested while no message
// is processing.
var ErrNoProcessingMessage = errors.New("no message is currently processing")

// ErrAuthenticationRequired is returned when the prompting user's token is
// missing or expired. The request is not retried.
var ErrAuthenticationRequired = errors.New("authentication required: prompting user has no valid access token")

type pushWaiter struct {
	ch    chan error
	timer *time.Timer
}

// pushKey normalizes a branch name for use as a correlation key, tolerating
// whitespace and case variation in the event payload.
func pushKey(branch string) string {
	return strings.ToLower(strings.TrimSpace(branch))
}

func pushFailure(msg string) error {
	if msg == "" {
		msg = "push failed"
	}
	return errors.New(msg)
}

// resolvePush completes a pending push on the actor loop. The map entry is
// cleaned on every resolution path so no orphans leak.
func (c *Coordinator) resolvePush(branch string, result error) {
	key := pushKey(branch)
	w, ok := c.pendingPushes[key]
	if !ok {
		return
	}
	delete(c.pendingPushes, key)
	w.timer.Stop()
	w.ch <- result
}

// BranchName computes the session's deterministic push branch.
func BranchName(sessionID string) string {
	short := sessionID
	if len(short) > 12 {
		short = short[:12]
	}
	return "sidecoder/" + short
}

// CreatePRResult is the outcome of a successful PR creation.
type CreatePRResult struct {
	URL      string          `json:"url"`
	Number   int             `json:"number"`
	Branch   string          `json:"branch"`
	Artifact *store.Artifact `json:"artifact"`
}

// prContext is what the actor hands the orchestrating goroutine.
type prContext struct {
	userToken string
	owner     string
	repo      string
	branch    string
	title     string
	callback  string
}

// CreatePR runs the full push-then-PR sequence. The caller's goroutine
// blocks for up to the push timeout; the actor loop never does.
func (c *Coordinator) CreatePR(ctx context.Context, title, body string) (*CreatePRResult, error) {
	// Phase 1 (actor): validate preconditions and collect identities.
	pc, err := call(c, func() (*prContext, error) {
		msg, err := c.store.ProcessingMessage()
		if err != nil {
			return nil, ErrNoProcessingMessage
		}
		author, err := c.store.GetParticipant(msg.AuthorID)
		if err != nil {
			return nil, fmt.Errorf("prompting user not found: %w", err)
		}
		if author.AccessTokenEnc == "" {
			return nil, ErrAuthenticationRequired
		}
		if author.TokenExpiresAt > 0 && author.TokenExpiresAt < store.NowMillis() {
			return nil, ErrAuthenticationRequired
		}
		token, err := c.cipher.Decrypt(author.AccessTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypting access token: %w", err)
		}
		sess, err := c.store.GetSession()
		if err != nil {
			return nil, err
		}
		prTitle := title
		if prTitle == "" {
			prTitle = fmt.Sprintf("sidecoder: %s", truncate(msg.Content, 72))
		}
		return &prContext{
			userToken: token,
			owner:     sess.RepoOwner,
			repo:      sess.RepoName,
			branch:    BranchName(c.sessionID),
			title:     prTitle,
			callback:  msg.CallbackContext,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 2 (caller): resolve the base branch and mint the short-lived
	// installation token used for the push step only.
	defaultBranch, err := c.github.GetDefaultBranch(ctx, pc.userToken, pc.owner, pc.repo)
	if err != nil {
		log.Printf("session %s: default branch lookup failed, assuming main: %v", c.sessionID, err)
		defaultBranch = "main"
	}

	var pushToken string
	if tok, _, err := c.github.InstallationToken(ctx); err == nil {
		pushToken = tok
	} else {
		log.Printf("session %s: installation token unavailable, sandbox pushes with its own credentials: %v",
			c.sessionID, err)
	}

	// Phase 3 (actor): register the waiter and send the push command.
	waiter, err := call(c, func() (*pushWaiter, error) {
		key := pushKey(pc.branch)
		if _, exists := c.pendingPushes[key]; exists {
			return nil, fmt.Errorf("a push for branch %s is already pending", pc.branch)
		}
		w := &pushWaiter{ch: make(chan error, 1)}
		w.timer = time.AfterFunc(c.cfg.PushTimeout, func() {
			c.post(func() {
				c.resolvePush(pc.branch, fmt.Errorf("push of %s timed out after %s",
					pc.branch, c.cfg.PushTimeout))
			})
		})
		c.pendingPushes[key] = w

		if !c.hub.SendToSandbox(hub.PushCommand(pc.branch, pc.owner, pc.repo, pushToken)) {
			delete(c.pendingPushes, key)
			w.timer.Stop()
			return nil, fmt.Errorf("no sandbox connection for push")
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 4 (caller): await push_complete / push_error.
	select {
	case pushErr := <-waiter.ch:
		if pushErr != nil {
			return nil, fmt.Errorf("Failed to push branch: %w", pushErr)
		}
	case <-ctx.Done():
		c.post(func() { c.resolvePush(pc.branch, nil) })
		return nil, fmt.Errorf("Failed to push branch: %w", ctx.Err())
	}

	// Phase 5 (caller): PR authorship uses the prompting user's token,
	// never the installation token.
	prURL, prNumber, err := c.github.CreatePR(ctx, pc.userToken, github.PROptions{
		Owner:  pc.owner,
		Repo:   pc.repo,
		Branch: pc.branch,
		Base:   defaultBranch,
		Title:  pc.title,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	// Phase 6 (actor): persist the artifact and the branch.
	artifact, err := call(c, func() (*store.Artifact, error) {
		meta, _ := json.Marshal(map[string]any{"number": prNumber, "branch": pc.branch})
		a := &store.Artifact{
			ID:        store.NewID(),
			Type:      "pull_request",
			URL:       prURL,
			Metadata:  string(meta),
			CreatedAt: store.NowMillis(),
		}
		if err := c.store.AddArtifact(a); err != nil {
			return nil, fmt.Errorf("storing artifact: %w", err)
		}
		c.hub.Broadcast(hub.ArtifactCreated(a))

		sess, err := c.store.GetSession()
		if err == nil {
			sess.BranchName = pc.branch
			sess.RepoDefaultBranch = defaultBranch
			if err := c.store.UpdateSession(sess); err != nil {
				log.Printf("session %s: persisting branch name: %v", c.sessionID, err)
			}
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	if c.notifier != nil && pc.callback != "" {
		c.notifier.ArtifactCreated(pc.callback, prURL)
	}

	return &CreatePRResult{URL: prURL, Number: prNumber, Branch: pc.branch, Artifact: artifact}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
