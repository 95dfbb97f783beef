package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// authTimeout is how long an accepted client socket may remain
// unauthenticated before it is closed with CloseAuthTimeout.
const authTimeout = 30 * time.Second

// Handler receives parsed frames from the hub. Implementations route the
// calls onto the session actor; hub goroutines never touch session state
// directly.
type Handler interface {
	// HandleClientFrame is called for every parsed frame from a client
	// socket except ping, which the hub answers itself.
	HandleClientFrame(c *Client, f ClientFrame)

	// HandleSandboxEvent is called for every parsed frame from the sandbox
	// socket, with the raw bytes for persistence.
	HandleSandboxEvent(raw []byte, ev SandboxEvent)

	// SandboxClosed is called when the sandbox socket disconnects without
	// being superseded.
	SandboxClosed(objectID string)

	// ClientClosed is called when a client socket disconnects.
	ClientClosed(c *Client)
}

// Client is one client WebSocket. The ws_id tag is assigned at accept time
// and survives reconnects via the ws_client_mapping table.
type Client struct {
	WSID string

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	participantID string
	clientID      string
	authTimer     *time.Timer
}

// Authenticated reports whether the client has completed the subscribe flow.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Identity returns the participant and client ids bound at subscribe time.
func (c *Client) Identity() (participantID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID, c.clientID
}

// Send writes a frame to this client. Write errors close the socket.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// CloseWithCode sends a close frame and closes the socket.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	c.conn.Close()
}

// Hub owns the session's sockets: any number of client sockets and at most
// one logical sandbox socket.
type Hub struct {
	handler Handler

	mu       sync.Mutex
	clients  map[*Client]struct{}
	sandbox  *websocket.Conn
	sbWrite  sync.Mutex // serializes sandbox writes separate from registry mu
	objectID string     // tag of the currently connected sandbox
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TLS and origin policy live at the edge.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a Hub delivering frames to the given handler.
func New(handler Handler) *Hub {
	return &Hub{
		handler: handler,
		clients: make(map[*Client]struct{}),
	}
}

// AcceptClient upgrades a client connection, tags it with wsID, and starts
// the read pump plus the authentication deadline.
func (h *Hub) AcceptClient(w http.ResponseWriter, r *http.Request, wsID string) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{WSID: wsID, conn: conn}
	c.authTimer = time.AfterFunc(authTimeout, func() {
		if !c.Authenticated() {
			c.CloseWithCode(CloseAuthTimeout, "authentication timeout")
		}
	})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.clientReadPump(c)
	return c, nil
}

// Authenticate marks a client as subscribed and cancels its auth deadline.
func (h *Hub) Authenticate(c *Client, participantID, clientID string) {
	c.mu.Lock()
	c.authenticated = true
	c.participantID = participantID
	c.clientID = clientID
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()
}

func (h *Hub) clientReadPump(c *Client) {
	defer func() {
		h.removeClient(c)
		h.handler.ClientClosed(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := ParseClientFrame(data)
		if err != nil {
			c.Send(ErrorFrame(http.StatusBadRequest, err.Error()))
			continue
		}

		// Ping is answered in place so idle keepalives never wake the
		// session actor.
		if _, ok := frame.(PingFrame); ok {
			c.Send(Pong(time.Now().UnixMilli()))
			continue
		}

		h.handler.HandleClientFrame(c, frame)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.conn.Close()
	c.mu.Unlock()
}

// AcceptSandbox upgrades the sandbox connection. A new connection supersedes
// the old one, which is closed with a normal closure and a reason.
func (h *Hub) AcceptSandbox(w http.ResponseWriter, r *http.Request, objectID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	old := h.sandbox
	h.sandbox = conn
	h.objectID = objectID
	h.mu.Unlock()

	if old != nil {
		msg := websocket.FormatCloseMessage(CloseSupersededBy, "superseded by a newer sandbox connection")
		old.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		old.Close()
	}

	go h.sandboxReadPump(conn, objectID)
	return nil
}

func (h *Hub) sandboxReadPump(conn *websocket.Conn, objectID string) {
	defer func() {
		h.mu.Lock()
		superseded := h.sandbox != conn
		if !superseded {
			h.sandbox = nil
			h.objectID = ""
		}
		h.mu.Unlock()
		conn.Close()
		if !superseded {
			h.handler.SandboxClosed(objectID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := ParseSandboxEvent(data)
		if err != nil {
			log.Printf("hub: dropping bad sandbox frame: %v", err)
			continue
		}

		h.handler.HandleSandboxEvent(data, ev)
	}
}

// Broadcast writes a frame to every client socket. Write errors are
// swallowed after closing the offending socket.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(frame); err != nil {
			h.removeClient(c)
		}
	}
}

// SendToSandbox writes a frame to the sandbox socket. Returns false when no
// sandbox socket is currently connected; the caller decides the policy.
func (h *Hub) SendToSandbox(frame []byte) bool {
	h.mu.Lock()
	conn := h.sandbox
	h.mu.Unlock()
	if conn == nil {
		return false
	}

	h.sbWrite.Lock()
	defer h.sbWrite.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return false
	}
	return true
}

// SandboxConnected reports whether a sandbox socket is currently held, and
// its object id tag.
func (h *Hub) SandboxConnected() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.objectID, h.sandbox != nil
}

// ClientCount returns the number of connected client sockets.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close tears down every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sandbox := h.sandbox
	h.sandbox = nil
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.CloseWithCode(websocket.CloseGoingAway, "session shutting down")
	}
	if sandbox != nil {
		sandbox.Close()
	}
}
