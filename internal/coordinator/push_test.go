package coordinator

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jxucoder/sidecoder/internal/store"
)

func TestPushKeyNormalization(t *testing.T) {
	cases := map[string]string{
		"feature/Foo":     "feature/foo",
		"  sidecoder/ab ": "sidecoder/ab",
		"MIXED\t":         "mixed",
	}
	for in, want := range cases {
		if got := pushKey(in); got != want {
			t.Errorf("pushKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBranchNameDeterministic(t *testing.T) {
	a := BranchName("0123456789abcdef0123456789abcdef")
	b := BranchName("0123456789abcdef0123456789abcdef")
	if a != b {
		t.Fatal("branch name not deterministic")
	}
	if a != "sidecoder/0123456789ab" {
		t.Fatalf("unexpected branch: %s", a)
	}
	if BranchName("short") != "sidecoder/short" {
		t.Fatalf("short ids mangled: %s", BranchName("short"))
	}
}

func TestResolvePushCleansPendingMap(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	w := &pushWaiter{ch: make(chan error, 1), timer: time.NewTimer(time.Hour)}
	_, err := call(c, func() (struct{}, error) {
		c.pendingPushes[pushKey("Sidecoder/AB")] = w
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The event payload varies in case and whitespace; the key tolerates it.
	_, err = call(c, func() (struct{}, error) {
		c.resolvePush("  sidecoder/ab  ", nil)
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-w.ch:
		if res != nil {
			t.Fatalf("expected success, got %v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	remaining, _ := call(c, func() (int, error) { return len(c.pendingPushes), nil })
	if remaining != 0 {
		t.Fatalf("pending map leaked %d entries", remaining)
	}

	// Resolving again is a harmless no-op.
	_, err = call(c, func() (struct{}, error) {
		c.resolvePush("sidecoder/ab", errors.New("late"))
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPushErrorEventRejectsWaiter(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)
	seedReadySandbox(t, c, store.SandboxConnecting)
	conn := connectFakeSandbox(t, c)

	w := &pushWaiter{ch: make(chan error, 1), timer: time.NewTimer(time.Hour)}
	_, err := call(c, func() (struct{}, error) {
		c.pendingPushes[pushKey("sidecoder/xy")] = w
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	sendSandboxEvent(t, conn, `{"type":"push_error","branchName":"SIDECODER/XY","error":"remote rejected"}`)

	select {
	case res := <-w.ch:
		if res == nil || res.Error() != "remote rejected" {
			t.Fatalf("expected remote rejected, got %v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push_error never resolved the waiter")
	}
}

func TestCreatePRPreconditions(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	// No message processing: a logical error, not retried.
	_, err := c.CreatePR(context.Background(), "", "")
	if !errors.Is(err, ErrNoProcessingMessage) {
		t.Fatalf("expected ErrNoProcessingMessage, got %v", err)
	}

	// A processing message whose author has no stored token fails with an
	// explicit authentication-required error.
	_, err = call(c, func() (struct{}, error) {
		p := &store.Participant{
			ID:       store.NewID(),
			UserID:   "tokenless",
			Role:     store.RoleMember,
			JoinedAt: store.NowMillis(),
		}
		if err := c.store.UpsertParticipant(p); err != nil {
			return struct{}{}, err
		}
		stored, err := c.store.GetParticipantByUserID("tokenless")
		if err != nil {
			return struct{}{}, err
		}
		m := &store.Message{
			ID:        store.NewID(),
			AuthorID:  stored.ID,
			Content:   "do it",
			Source:    store.SourceWeb,
			Status:    store.MessagePending,
			CreatedAt: store.NowMillis(),
		}
		if err := c.store.CreateMessage(m); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.store.MarkProcessing(m.ID, store.NowMillis())
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.CreatePR(context.Background(), "", "")
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestCreatePRExpiredToken(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	r := testRegistry(t, testConfig(t, srv.URL))
	c := createTestSession(t, r)

	_, err := call(c, func() (struct{}, error) {
		enc, err := c.cipher.Encrypt("gho_expired")
		if err != nil {
			return struct{}{}, err
		}
		p := &store.Participant{
			ID:             store.NewID(),
			UserID:         "expired-user",
			Role:           store.RoleMember,
			AccessTokenEnc: enc,
			TokenExpiresAt: store.NowMillis() - 1000,
			JoinedAt:       store.NowMillis(),
		}
		if err := c.store.UpsertParticipant(p); err != nil {
			return struct{}{}, err
		}
		stored, err := c.store.GetParticipantByUserID("expired-user")
		if err != nil {
			return struct{}{}, err
		}
		m := &store.Message{
			ID:        store.NewID(),
			AuthorID:  stored.ID,
			Content:   "do it",
			Source:    store.SourceWeb,
			Status:    store.MessagePending,
			CreatedAt: store.NowMillis(),
		}
		if err := c.store.CreateMessage(m); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.store.MarkProcessing(m.ID, store.NowMillis())
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.CreatePR(context.Background(), "", "")
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired for expired token, got %v", err)
	}
}
