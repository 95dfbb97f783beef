package coordinator

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/jxucoder/sidecoder/internal/hub"
	"github.com/jxucoder/sidecoder/internal/secrets"
	"github.com/jxucoder/sidecoder/internal/store"
)

// The coordinator is the hub's Handler: every socket frame is routed onto
// the actor loop before it touches session state.

// HandleClientFrame implements hub.Handler.
func (c *Coordinator) HandleClientFrame(cl *hub.Client, f hub.ClientFrame) {
	c.post(func() { c.clientFrame(cl, f) })
}

// HandleSandboxEvent implements hub.Handler.
func (c *Coordinator) HandleSandboxEvent(raw []byte, ev hub.SandboxEvent) {
	c.post(func() { c.sandboxEvent(raw, ev) })
}

// SandboxClosed implements hub.Handler.
func (c *Coordinator) SandboxClosed(objectID string) {
	c.post(func() {
		log.Printf("session %s: sandbox socket closed (object %s)", c.sessionID, objectID)
	})
}

// ClientClosed implements hub.Handler.
func (c *Coordinator) ClientClosed(cl *hub.Client) {
	c.post(func() {
		participantID, _ := cl.Identity()
		if participantID != "" {
			delete(c.presence, participantID)
			c.hub.Broadcast(hub.PresenceFanout("presence_leave", participantID, nil))
		}
	})
}

// SandboxConnected is invoked by the Façade after a sandbox socket upgrade
// has been authorized and accepted.
func (c *Coordinator) SandboxConnected(objectID string) {
	c.post(func() {
		sb, err := c.store.GetSandbox()
		if err != nil {
			return
		}
		if c.connectDeadline != nil {
			c.connectDeadline.Stop()
			c.connectDeadline = nil
		}
		sb.Status = store.SandboxReady
		sb.LastHeartbeat = store.NowMillis()
		sb.LastActivity = store.NowMillis()
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting sandbox ready: %v", c.sessionID, err)
		}
		c.resetBreaker(sb)
		c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_ready", sb.Status, ""))
		c.rearmAlarm()
		// A prompt may have been waiting for this sandbox.
		c.processNext()
	})
}

// clientFrame runs on the actor loop.
func (c *Coordinator) clientFrame(cl *hub.Client, f hub.ClientFrame) {
	// A frame from a socket with no authenticated identity is either the
	// subscribe flow or a post-hibernation recovery via the ws_id tag.
	if !cl.Authenticated() {
		if sub, ok := f.(hub.SubscribeFrame); ok {
			c.subscribe(cl, sub)
			return
		}
		m, err := c.store.GetWSMapping(cl.WSID)
		if err != nil {
			cl.CloseWithCode(hub.CloseStateLost, "subscription state lost, reconnect")
			return
		}
		c.hub.Authenticate(cl, m.ParticipantID, m.ClientID)
	}

	c.touchActivity()

	switch frame := f.(type) {
	case hub.SubscribeFrame:
		// Duplicate subscribe re-asserts the mapping.
		c.subscribe(cl, frame)
	case hub.PromptFrame:
		participantID, _ := cl.Identity()
		msg, position, err := c.enqueueLocked(PromptRequest{
			ParticipantID: participantID,
			Content:       frame.Content,
			Source:        store.SourceWeb,
			Model:         frame.Model,
			Attachments:   string(frame.Attachments),
		})
		if err != nil {
			cl.Send(hub.ErrorFrame(http.StatusInternalServerError, err.Error()))
			return
		}
		cl.Send(hub.PromptQueued(msg.ID, position))
	case hub.StopFrame:
		c.stopLocked()
	case hub.TypingFrame:
		c.warmLocked()
	case hub.PresenceFrame:
		participantID, _ := cl.Identity()
		payload, _ := json.Marshal(frame)
		c.presence[participantID] = payload
		c.hub.Broadcast(hub.PresenceFanout("presence_update", participantID, payload))
	}
}

// subscribe authenticates a client socket against a participant's WS token
// hash and records the ws_id mapping used for hibernation recovery.
func (c *Coordinator) subscribe(cl *hub.Client, f hub.SubscribeFrame) {
	p, err := c.store.GetParticipantByWSTokenHash(secrets.HashToken(f.Token))
	if err != nil {
		cl.Send(hub.ErrorFrame(hub.CloseInvalidAuth, "invalid auth token"))
		cl.CloseWithCode(hub.CloseInvalidAuth, "invalid auth token")
		return
	}

	c.hub.Authenticate(cl, p.ID, f.ClientID)

	if err := c.store.PutWSMapping(&store.WSClientMapping{
		WSID:          cl.WSID,
		ParticipantID: p.ID,
		ClientID:      f.ClientID,
		CreatedAt:     store.NowMillis(),
	}); err != nil {
		log.Printf("session %s: recording ws mapping: %v", c.sessionID, err)
	}

	state, err := c.stateLocked()
	if err != nil {
		cl.Send(hub.ErrorFrame(http.StatusInternalServerError, "loading session state"))
		return
	}
	cl.Send(hub.Subscribed(c.sessionID, state, p.ID, p))

	// Bring the newcomer up to date on who else is here.
	for pid, payload := range c.presence {
		cl.Send(hub.PresenceFanout("presence_sync", pid, payload))
	}

	c.touchActivity()
}

// sandboxEvent runs on the actor loop: persist in arrival order, fan out in
// the same order, then apply side effects per event type.
func (c *Coordinator) sandboxEvent(raw []byte, ev hub.SandboxEvent) {
	// The message id carried on the event has strict priority over the
	// ambient processing message.
	messageID := ev.MessageID()
	if messageID == "" {
		if m, err := c.store.ProcessingMessage(); err == nil {
			messageID = m.ID
		}
	}

	e := &store.Event{
		ID:        store.NewID(),
		Type:      ev.EventType(),
		Payload:   string(raw),
		MessageID: messageID,
		CreatedAt: store.NowMillis(),
	}
	if err := c.store.AddEvent(e); err != nil {
		log.Printf("session %s: storing sandbox event: %v", c.sessionID, err)
	}
	c.hub.Broadcast(hub.SandboxEventFrame(e))

	sb, sbErr := c.store.GetSandbox()
	if sbErr == nil {
		sb.LastHeartbeat = store.NowMillis()
		sb.LastActivity = store.NowMillis()
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting sandbox liveness: %v", c.sessionID, err)
		}
	}

	switch event := ev.(type) {
	case hub.HeartbeatEvent:
		// Liveness already refreshed above.
	case hub.GitSyncEvent:
		c.applyGitSync(sb, event)
	case hub.ExecutionCompleteEvent:
		c.executionComplete(event)
	case hub.ArtifactSandboxEvent:
		c.recordArtifact(event)
	case hub.PushCompleteEvent:
		c.resolvePush(event.BranchName, nil)
	case hub.PushErrorEvent:
		c.resolvePush(event.BranchName, pushFailure(event.Err))
	}

	c.rearmAlarm()
}

func (c *Coordinator) applyGitSync(sb *store.Sandbox, ev hub.GitSyncEvent) {
	if sb == nil {
		return
	}
	switch ev.Status {
	case "in_progress":
		sb.GitSyncStatus = store.GitSyncInProgress
	case "completed":
		sb.GitSyncStatus = store.GitSyncCompleted
	case "failed":
		sb.GitSyncStatus = store.GitSyncFailed
	default:
		sb.GitSyncStatus = store.GitSyncPending
	}
	if err := c.store.UpdateSandbox(sb); err != nil {
		log.Printf("session %s: persisting git sync status: %v", c.sessionID, err)
	}
	if ev.SHA != "" {
		if sess, err := c.store.GetSession(); err == nil {
			sess.CurrentSHA = ev.SHA
			if err := c.store.UpdateSession(sess); err != nil {
				log.Printf("session %s: persisting current sha: %v", c.sessionID, err)
			}
		}
	}
}

func (c *Coordinator) recordArtifact(ev hub.ArtifactSandboxEvent) {
	a := &store.Artifact{
		ID:        store.NewID(),
		Type:      ev.ArtifactType,
		URL:       ev.URL,
		Metadata:  string(ev.Metadata),
		CreatedAt: store.NowMillis(),
	}
	if err := c.store.AddArtifact(a); err != nil {
		log.Printf("session %s: storing artifact: %v", c.sessionID, err)
		return
	}
	c.hub.Broadcast(hub.ArtifactCreated(a))
}
