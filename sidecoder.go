// Package sidecoder is the top-level entry point for the SideCoder
// background coding-agent orchestrator.
//
// Use the Builder to compose a coordinator service:
//
//	app, err := sidecoder.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
package sidecoder

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jxucoder/sidecoder/internal/config"
	"github.com/jxucoder/sidecoder/internal/coordinator"
	"github.com/jxucoder/sidecoder/internal/github"
	"github.com/jxucoder/sidecoder/internal/notify"
	"github.com/jxucoder/sidecoder/internal/provider"
	"github.com/jxucoder/sidecoder/internal/secrets"
	"github.com/jxucoder/sidecoder/internal/server"
	"github.com/jxucoder/sidecoder/internal/store"
)

// Builder constructs a SideCoder App.
type Builder struct {
	config   *config.Config
	notifier coordinator.Notifier
	provider *provider.Client
	github   *github.Client
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithNotifier overrides the chat notifier (default: Slack when configured).
func (b *Builder) WithNotifier(n coordinator.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithProvider overrides the sandbox provider client.
func (b *Builder) WithProvider(p *provider.Client) *Builder {
	b.provider = p
	return b
}

// WithGitHub overrides the version-control host client.
func (b *Builder) WithGitHub(g *github.Client) *Builder {
	b.github = g
	return b
}

// Build creates the App. Missing components are filled from the config.
func (b *Builder) Build() (*App, error) {
	cfg := b.config
	if cfg == nil {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initializing token cipher: %w", err)
	}

	index, err := store.OpenIndex(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("opening session index: %w", err)
	}

	prov := b.provider
	if prov == nil {
		prov = provider.New(cfg.ProviderBaseURL, cfg.ProviderAPISecret)
	}

	gh := b.github
	if gh == nil {
		var app *github.AppAuth
		if cfg.GitHubAppEnabled() {
			app = &github.AppAuth{
				AppID:          cfg.GitHubAppID,
				PrivateKeyPEM:  cfg.GitHubAppPrivateKey,
				InstallationID: cfg.GitHubInstallationID,
			}
		}
		gh = github.NewClient(app)
	}

	notifier := b.notifier
	if notifier == nil && cfg.SlackEnabled() {
		notifier = notify.NewSlackNotifier(cfg.SlackBotToken)
	}

	registry := coordinator.NewRegistry(coordinator.Deps{
		Config:   cfg,
		Index:    index,
		Provider: prov,
		GitHub:   gh,
		Cipher:   cipher,
		Notifier: notifier,
	})

	return &App{
		config:   cfg,
		index:    index,
		registry: registry,
		server:   server.New(cfg, registry),
	}, nil
}

// App is a running SideCoder coordinator service.
type App struct {
	config   *config.Config
	index    *store.Index
	registry *coordinator.Registry
	server   *server.Server
}

// Registry returns the coordinator registry for direct access.
func (a *App) Registry() *coordinator.Registry { return a.registry }

// Server returns the HTTP façade.
func (a *App) Server() *server.Server { return a.server }

// Start runs the HTTP server. Blocks until ctx is done, then shuts down all
// session actors and closes the index.
func (a *App) Start(ctx context.Context) error {
	err := a.server.Start(ctx)
	if cerr := a.index.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
