package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jxucoder/sidecoder/internal/config"
	"github.com/jxucoder/sidecoder/internal/github"
	"github.com/jxucoder/sidecoder/internal/provider"
	"github.com/jxucoder/sidecoder/internal/secrets"
	"github.com/jxucoder/sidecoder/internal/store"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeProvider is an httptest stand-in for the sandbox compute service.
type fakeProvider struct {
	mu          sync.Mutex
	createCalls int
	snapCalls   int
	stopCalls   int
	createCode  int           // 0 means success
	snapDelay   time.Duration // how long a snapshot takes
}

func (f *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/snapshot-sandbox" {
			f.mu.Lock()
			delay := f.snapDelay
			f.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			f.mu.Lock()
			f.snapCalls++
			f.mu.Unlock()
			json.NewEncoder(w).Encode(provider.SnapshotResult{ImageID: "img-1"})
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/create-sandbox":
			f.createCalls++
			if f.createCode != 0 {
				w.WriteHeader(f.createCode)
				json.NewEncoder(w).Encode(map[string]string{"error": "provider down"})
				return
			}
			json.NewEncoder(w).Encode(provider.CreateResult{
				SandboxID: "sb-1", ObjectID: "obj-1", Status: "spawning",
			})
		case "/restore-sandbox":
			json.NewEncoder(w).Encode(provider.RestoreResult{SandboxID: "sb-2", ObjectID: "obj-2"})
		case "/stop-sandbox":
			f.stopCalls++
			w.Write([]byte("{}"))
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeProvider) counts() (created, snapped, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.snapCalls, f.stopCalls
}

func testConfig(t *testing.T, providerURL string) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:                t.TempDir(),
		EncryptionKey:          testEncryptionKey,
		InternalCallbackSecret: "internal-secret",
		ProviderAPISecret:      "provider-secret",
		ProviderBaseURL:        providerURL,
		PublicBaseURL:          "http://localhost:7080",
		DefaultModel:           "claude-sonnet-4-5",
		InactivityTimeout:      time.Hour,
		HeartbeatThreshold:     time.Hour,
		ConnectTimeout:         time.Minute,
		PushTimeout:            time.Minute,
		BreakerThreshold:       3,
		BreakerWindow:          time.Minute,
		BreakerCooldown:        time.Minute,
		WarmInterval:           time.Millisecond,
	}
}

func testRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	index, err := store.OpenIndex(cfg.DataDir + "/sessions.db")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	r := NewRegistry(Deps{
		Config:   cfg,
		Index:    index,
		Provider: provider.New(cfg.ProviderBaseURL, cfg.ProviderAPISecret),
		GitHub:   github.NewClient(nil),
		Cipher:   cipher,
	})
	t.Cleanup(r.CloseAll)
	return r
}

func createTestSession(t *testing.T, r *Registry) *Coordinator {
	t.Helper()
	c, _, err := r.Create(CreateSessionRequest{
		SessionName: "test-session",
		RepoOwner:   "Octo",
		RepoName:    "Hello",
		Owner: AddParticipantRequest{
			UserID:      "user-1",
			GitHubLogin: "octocat",
			AccessToken: "gho_secret",
		},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return c
}

// seedReadySandbox plants a connected-looking sandbox record on the actor.
func seedReadySandbox(t *testing.T, c *Coordinator, status store.SandboxStatus) {
	t.Helper()
	_, err := call(c, func() (struct{}, error) {
		sb := &store.Sandbox{
			ID:            store.NewID(),
			ObjectID:      "obj-1",
			Status:        status,
			GitSyncStatus: store.GitSyncCompleted,
			AuthToken:     "sandbox-token",
			LastHeartbeat: store.NowMillis(),
			LastActivity:  store.NowMillis(),
			CreatedAt:     store.NowMillis(),
		}
		return struct{}{}, c.store.CreateSandbox(sb)
	})
	if err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}
}

// connectFakeClient attaches a real WebSocket as an (unauthenticated) client
// so the hub reports a connected client.
func connectFakeClient(t *testing.T, c *Coordinator) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := c.Hub().AcceptClient(w, r, store.NewID()); err != nil {
			t.Errorf("accept client: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, "client registered", func() bool {
		return c.Hub().ClientCount() > 0
	})
	return conn
}

// connectFakeSandbox attaches a real WebSocket as the session's sandbox.
func connectFakeSandbox(t *testing.T, c *Coordinator) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Hub().AcceptSandbox(w, r, "obj-1"); err != nil {
			t.Errorf("accept sandbox: %v", err)
			return
		}
		c.SandboxConnected("obj-1")
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial sandbox: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, "sandbox ready", func() bool {
		st, err := c.State()
		return err == nil && st.Sandbox != nil && st.Sandbox.Status == store.SandboxReady
	})
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryCreateNormalizesAndSeedsOwner(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	st, err := c.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Session.RepoOwner != "octo" || st.Session.RepoName != "hello" {
		t.Fatalf("repo identifiers not lowercased: %s/%s", st.Session.RepoOwner, st.Session.RepoName)
	}
	if st.Session.Status != store.SessionCreated {
		t.Fatalf("status: %s", st.Session.Status)
	}
	if st.Session.BranchName != BranchName("test-session") {
		t.Fatalf("branch: %s", st.Session.BranchName)
	}
	if len(st.Participants) != 1 || st.Participants[0].Role != store.RoleOwner {
		t.Fatalf("owner participant missing: %+v", st.Participants)
	}
	if st.Participants[0].AccessTokenEnc == "" ||
		st.Participants[0].AccessTokenEnc == "gho_secret" {
		t.Fatal("access token not encrypted at rest")
	}
}

func TestRegistryRecoversAfterRestart(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	r1 := testRegistry(t, cfg)
	createTestSession(t, r1)
	r1.CloseAll()

	// A fresh registry over the same data directory simulates the process
	// being evicted and reactivated.
	index, err := store.OpenIndex(cfg.DataDir + "/sessions.db")
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	cipher, _ := secrets.NewCipher(cfg.EncryptionKey)
	r2 := NewRegistry(Deps{
		Config:   cfg,
		Index:    index,
		Provider: provider.New(cfg.ProviderBaseURL, cfg.ProviderAPISecret),
		GitHub:   github.NewClient(nil),
		Cipher:   cipher,
	})
	t.Cleanup(r2.CloseAll)

	c, err := r2.Get("test-session")
	if err != nil {
		t.Fatalf("recover session: %v", err)
	}
	st, err := c.State()
	if err != nil {
		t.Fatalf("state after recovery: %v", err)
	}
	if st.Session.SessionName != "test-session" || len(st.Participants) != 1 {
		t.Fatalf("recovered state incomplete: %+v", st)
	}

	if _, err := r2.Get("never-existed"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMintWSTokenRotation(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	tok1, err := c.MintWSToken("user-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tok2, err := c.MintWSToken("user-1")
	if err != nil {
		t.Fatalf("re-mint: %v", err)
	}
	if tok1 == tok2 {
		t.Fatal("token not rotated")
	}

	// Only the latest token's hash is stored.
	_, err = call(c, func() (struct{}, error) {
		if _, err := c.store.GetParticipantByWSTokenHash(secrets.HashToken(tok1)); err != store.ErrNotFound {
			t.Errorf("old token still validates: %v", err)
		}
		if _, err := c.store.GetParticipantByWSTokenHash(secrets.HashToken(tok2)); err != nil {
			t.Errorf("new token does not validate: %v", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.MintWSToken("ghost"); err == nil {
		t.Fatal("minted token for unknown user")
	}
}

func TestValidateSandboxToken(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	if ok, _ := c.ValidateSandboxToken("anything"); ok {
		t.Fatal("validated with no sandbox record")
	}

	seedReadySandbox(t, c, store.SandboxReady)

	if ok, _ := c.ValidateSandboxToken("sandbox-token"); !ok {
		t.Fatal("correct token rejected")
	}
	if ok, _ := c.ValidateSandboxToken("wrong"); ok {
		t.Fatal("wrong token accepted")
	}

	// Stopped and stale sandboxes no longer authenticate.
	for _, status := range []store.SandboxStatus{store.SandboxStopped, store.SandboxStale} {
		seedReadySandbox(t, c, status)
		if ok, _ := c.ValidateSandboxToken("sandbox-token"); ok {
			t.Fatalf("token accepted in %s state", status)
		}
		gone, ok := c.AuthorizeSandboxSocket("sandbox-token", "obj-1")
		if !gone || ok {
			t.Fatalf("%s sandbox upgrade not refused as gone", status)
		}
	}
}

func TestAuthorizeSandboxSocketObjectIDMismatch(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)
	seedReadySandbox(t, c, store.SandboxConnecting)

	gone, ok := c.AuthorizeSandboxSocket("sandbox-token", "obj-1")
	if gone || !ok {
		t.Fatalf("valid upgrade refused: gone=%v ok=%v", gone, ok)
	}
	if _, ok := c.AuthorizeSandboxSocket("sandbox-token", "other-object"); ok {
		t.Fatal("object id mismatch accepted")
	}
}

func TestArchiveFlipsStatus(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	if err := c.SetArchived(true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	st, _ := c.State()
	if st.Session.Status != store.SessionArchived {
		t.Fatalf("status: %s", st.Session.Status)
	}

	if err := c.SetArchived(false); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	st, _ = c.State()
	if st.Session.Status != store.SessionActive {
		t.Fatalf("status after unarchive: %s", st.Session.Status)
	}
}
