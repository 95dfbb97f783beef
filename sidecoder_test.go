package sidecoder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jxucoder/sidecoder/internal/config"
	"github.com/jxucoder/sidecoder/internal/coordinator"
	"github.com/jxucoder/sidecoder/internal/store"
)

func testBuildConfig(t *testing.T) *config.Config {
	t.Helper()
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sandbox_id": "sb", "object_id": "obj"})
	}))
	t.Cleanup(providerSrv.Close)

	return &config.Config{
		ServerAddr:             ":0",
		DataDir:                t.TempDir(),
		EncryptionKey:          "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		InternalCallbackSecret: "internal",
		ProviderAPISecret:      "provider",
		ProviderBaseURL:        providerSrv.URL,
		PublicBaseURL:          "http://localhost:7080",
		DefaultModel:           "claude-sonnet-4-5",
		InactivityTimeout:      time.Hour,
		HeartbeatThreshold:     time.Hour,
		ConnectTimeout:         time.Minute,
		PushTimeout:            time.Minute,
		BreakerThreshold:       3,
		BreakerWindow:          time.Minute,
		BreakerCooldown:        time.Minute,
		WarmInterval:           time.Second,
	}
}

func TestBuilderValidatesConfig(t *testing.T) {
	cfg := testBuildConfig(t)
	cfg.EncryptionKey = ""
	if _, err := NewBuilder().WithConfig(cfg).Build(); err == nil {
		t.Fatal("build accepted a config without an encryption key")
	}

	cfg = testBuildConfig(t)
	cfg.InternalCallbackSecret = ""
	if _, err := NewBuilder().WithConfig(cfg).Build(); err == nil {
		t.Fatal("build accepted a config without a service secret")
	}
}

func TestBuilderWiresApp(t *testing.T) {
	app, err := NewBuilder().WithConfig(testBuildConfig(t)).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if app.Registry() == nil || app.Server() == nil {
		t.Fatal("app components missing")
	}

	c, sess, err := app.Registry().Create(coordinator.CreateSessionRequest{
		RepoOwner: "octo",
		RepoName:  "hello",
		Owner:     coordinator.AddParticipantRequest{UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer app.Registry().CloseAll()

	if sess.Status != store.SessionCreated {
		t.Fatalf("session status: %s", sess.Status)
	}
	state, err := c.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Session.Model != "claude-sonnet-4-5" {
		t.Fatalf("default model not applied: %s", state.Session.Model)
	}
}
