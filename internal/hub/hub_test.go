package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recordingHandler captures hub callbacks for assertions.
type recordingHandler struct {
	mu            sync.Mutex
	clientFrames  []ClientFrame
	sandboxEvents []SandboxEvent
	closedClients int
	sandboxClosed int
}

func (h *recordingHandler) HandleClientFrame(c *Client, f ClientFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clientFrames = append(h.clientFrames, f)
}

func (h *recordingHandler) HandleSandboxEvent(raw []byte, ev SandboxEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sandboxEvents = append(h.sandboxEvents, ev)
}

func (h *recordingHandler) SandboxClosed(objectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sandboxClosed++
}

func (h *recordingHandler) ClientClosed(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closedClients++
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clientFrames)
}

func newTestHub(t *testing.T) (*Hub, *recordingHandler, *httptest.Server) {
	t.Helper()
	handler := &recordingHandler{}
	h := New(handler)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") == "sandbox" {
			h.AcceptSandbox(w, r, r.Header.Get("X-Sandbox-ID"))
			return
		}
		h.AcceptClient(w, r, "ws-test")
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, handler, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPingAnsweredInPlace(t *testing.T) {
	_, handler, srv := newTestHub(t)
	conn := dial(t, wsURL(srv), nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var pong struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &pong); err != nil || pong.Type != "pong" {
		t.Fatalf("expected pong, got %s", data)
	}
	if pong.Timestamp == 0 {
		t.Fatal("pong missing timestamp")
	}

	// Pings never reach the handler.
	if n := handler.frameCount(); n != 0 {
		t.Fatalf("ping leaked to handler (%d frames)", n)
	}
}

func TestClientFrameDelivery(t *testing.T) {
	_, handler, srv := newTestHub(t)
	conn := dial(t, wsURL(srv), nil)

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","token":"tok","clientId":"web"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("frame never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if _, ok := handler.clientFrames[0].(SubscribeFrame); !ok {
		t.Fatalf("unexpected frame: %#v", handler.clientFrames[0])
	}
}

func TestMalformedFrameGetsErrorFrame(t *testing.T) {
	_, _, srv := newTestHub(t)
	conn := dial(t, wsURL(srv), nil)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame struct {
		Type string `json:"type"`
	}
	json.Unmarshal(data, &frame)
	if frame.Type != "error" {
		t.Fatalf("expected error frame, got %s", data)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, _, srv := newTestHub(t)
	c1 := dial(t, wsURL(srv), nil)
	c2 := dial(t, wsURL(srv), nil)

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Broadcast([]byte(`{"type":"session_status","status":"active"}`))

	for i, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if !strings.Contains(string(data), "session_status") {
			t.Fatalf("client %d got %s", i, data)
		}
	}
}

func TestSandboxSupersede(t *testing.T) {
	h, handler, srv := newTestHub(t)

	header := http.Header{"X-Sandbox-ID": []string{"obj-1"}}
	first := dial(t, wsURL(srv)+"/?type=sandbox", header)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.SandboxConnected(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sandbox never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	header2 := http.Header{"X-Sandbox-ID": []string{"obj-2"}}
	_ = dial(t, wsURL(srv)+"/?type=sandbox", header2)

	// The first socket receives a normal closure.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected close 1000, got %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if obj, ok := h.SandboxConnected(); ok && obj == "obj-2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second sandbox never took over")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Being superseded is not a sandbox disconnect.
	handler.mu.Lock()
	closed := handler.sandboxClosed
	handler.mu.Unlock()
	if closed != 0 {
		t.Fatalf("supersede reported as disconnect (%d)", closed)
	}
}

func TestSendToSandbox(t *testing.T) {
	h, handler, srv := newTestHub(t)

	if h.SendToSandbox([]byte(`{"type":"stop"}`)) {
		t.Fatal("send succeeded with no sandbox socket")
	}

	header := http.Header{"X-Sandbox-ID": []string{"obj-1"}}
	conn := dial(t, wsURL(srv)+"/?type=sandbox", header)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.SandboxConnected(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sandbox never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !h.SendToSandbox([]byte(`{"type":"stop"}`)) {
		t.Fatal("send failed with sandbox connected")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil || !strings.Contains(string(data), "stop") {
		t.Fatalf("sandbox did not receive frame: %s (%v)", data, err)
	}

	// Events flow back through the handler.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
	deadline = time.Now().Add(2 * time.Second)
	for {
		handler.mu.Lock()
		n := len(handler.sandboxEvents)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sandbox event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
