// Package github provides the version-control host integration: pull request
// creation, repository metadata, and installation-token issuance for git
// pushes. PR authorship always uses the prompting user's token; installation
// tokens are used for the push step only.
package github

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogh "github.com/google/go-github/v68/github"
)

// AppAuth is the GitHub App identity used to mint installation tokens.
type AppAuth struct {
	AppID          string
	PrivateKeyPEM  string
	InstallationID int64
}

// Client wraps the GitHub API for coordinator operations.
type Client struct {
	app *AppAuth
	now func() time.Time
}

// NewClient creates a client. app may be nil when no App identity is
// configured; InstallationToken then fails with a descriptive error.
func NewClient(app *AppAuth) *Client {
	return &Client{app: app, now: time.Now}
}

// PROptions configures a new pull request.
type PROptions struct {
	Owner  string
	Repo   string
	Branch string // source branch
	Base   string // target branch (default: repo default branch)
	Title  string
	Body   string
}

// CreatePR opens a pull request authored by the given user token and returns
// the PR URL and number.
func (c *Client) CreatePR(ctx context.Context, userToken string, opts PROptions) (string, int, error) {
	gh := gogh.NewClient(nil).WithAuthToken(userToken)

	base := opts.Base
	if base == "" {
		base = "main"
	}

	pr, _, err := gh.PullRequests.Create(ctx, opts.Owner, opts.Repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating pull request: %w", err)
	}

	return pr.GetHTMLURL(), pr.GetNumber(), nil
}

// GetDefaultBranch returns the default branch for a repository.
func (c *Client) GetDefaultBranch(ctx context.Context, userToken, owner, repo string) (string, error) {
	gh := gogh.NewClient(nil).WithAuthToken(userToken)

	r, _, err := gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}

	return r.GetDefaultBranch(), nil
}

// InstallationToken mints a short-lived installation-scoped token by
// exchanging an RSA-SHA-256-signed app JWT. The token is valid for about an
// hour and is only ever used for git pushes, never PR authorship.
func (c *Client) InstallationToken(ctx context.Context) (string, time.Time, error) {
	if c.app == nil {
		return "", time.Time{}, fmt.Errorf("github app identity not configured")
	}

	appJWT, err := c.signAppJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	gh := gogh.NewClient(nil).WithAuthToken(appJWT)
	tok, _, err := gh.Apps.CreateInstallationToken(ctx, c.app.InstallationID, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating installation token: %w", err)
	}

	return tok.GetToken(), tok.GetExpiresAt().Time, nil
}

// signAppJWT builds the app-identity assertion: RS256, iat 60s in the past
// to tolerate clock skew, exp 10 minutes out, iss = app id.
func (c *Client) signAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.app.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("parsing app private key: %w", err)
	}

	now := c.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    c.app.AppID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing app JWT: %w", err)
	}
	return signed, nil
}
