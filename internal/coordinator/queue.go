package coordinator

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/jxucoder/sidecoder/internal/hub"
	"github.com/jxucoder/sidecoder/internal/store"
)

// The message queue engine: a FIFO over pending prompts with at most one
// message processing at any instant. Pending messages are promoted in
// ascending created_at order; promotion happens on enqueue, on sandbox
// ready, and on execution completion.

// PromptRequest describes a prompt submission from any surface.
type PromptRequest struct {
	ParticipantID   string
	Content         string
	Source          store.MessageSource
	Model           string
	Attachments     string
	CallbackContext string
	ExternalID      string
}

// Enqueue durably appends a prompt and kicks queue processing. The returned
// position is 1-based; 1 means the prompt runs immediately.
func (c *Coordinator) Enqueue(req PromptRequest) (*store.Message, int, error) {
	type result struct {
		msg      *store.Message
		position int
	}
	r, err := call(c, func() (result, error) {
		msg, pos, err := c.enqueueLocked(req)
		return result{msg, pos}, err
	})
	return r.msg, r.position, err
}

// EnqueueFromUser resolves the author by external user id before enqueueing.
func (c *Coordinator) EnqueueFromUser(userID string, req PromptRequest) (*store.Message, int, error) {
	type result struct {
		msg      *store.Message
		position int
	}
	r, err := call(c, func() (result, error) {
		p, err := c.store.GetParticipantByUserID(userID)
		if err != nil {
			return result{}, fmt.Errorf("participant %s not found: %w", userID, err)
		}
		req.ParticipantID = p.ID
		msg, pos, err := c.enqueueLocked(req)
		return result{msg, pos}, err
	})
	return r.msg, r.position, err
}

func (c *Coordinator) enqueueLocked(req PromptRequest) (*store.Message, int, error) {
	if req.Content == "" {
		return nil, 0, fmt.Errorf("prompt content is required")
	}
	if req.Source == "" {
		req.Source = store.SourceWeb
	}

	msg := &store.Message{
		ID:              store.NewID(),
		AuthorID:        req.ParticipantID,
		Content:         req.Content,
		Source:          req.Source,
		Model:           req.Model,
		Attachments:     req.Attachments,
		CallbackContext: req.CallbackContext,
		ExternalID:      req.ExternalID,
		Status:          store.MessagePending,
		CreatedAt:       store.NowMillis(),
	}
	if err := c.store.CreateMessage(msg); err != nil {
		if err == store.ErrDuplicate {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("storing message: %w", err)
	}

	position, err := c.store.PendingOrProcessingCount()
	if err != nil {
		position = 1
	}

	if sess, err := c.store.GetSession(); err == nil && sess.Status == store.SessionCreated {
		sess.Status = store.SessionActive
		if err := c.store.UpdateSession(sess); err == nil {
			c.updateIndex(sess)
			c.hub.Broadcast(hub.SessionStatusFrame(sess.Status))
		}
	}

	c.touchActivity()
	c.processNext()
	return msg, position, nil
}

// processNext promotes the oldest pending message. It does nothing when a
// message is already processing. Without a usable sandbox it triggers a
// spawn and leaves the message pending; it is re-entered when the sandbox
// becomes ready.
func (c *Coordinator) processNext() {
	if _, err := c.store.ProcessingMessage(); err == nil {
		return
	}

	msg, err := c.store.OldestPending()
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("session %s: reading queue head: %v", c.sessionID, err)
		}
		return
	}

	sb, err := c.store.GetSandbox()
	ready := err == nil && sb.Status == store.SandboxReady
	if _, connected := c.hub.SandboxConnected(); !ready || !connected {
		c.ensureSandbox()
		return
	}

	if err := c.store.MarkProcessing(msg.ID, store.NowMillis()); err != nil {
		log.Printf("session %s: marking message %s processing: %v", c.sessionID, msg.ID, err)
		return
	}

	sess, _ := c.store.GetSession()
	model := msg.Model
	if model == "" && sess != nil {
		model = sess.Model
	}
	author := msg.AuthorID
	if p, err := c.store.GetParticipant(msg.AuthorID); err == nil && p.GitHubLogin != "" {
		author = p.GitHubLogin
	}

	var attachments json.RawMessage
	if msg.Attachments != "" {
		attachments = json.RawMessage(msg.Attachments)
	}

	if !c.hub.SendToSandbox(hub.PromptCommand(msg.ID, msg.Content, model, author, attachments)) {
		// The socket vanished between the readiness check and the write.
		// The dispatch never reached the agent, so the prompt fails
		// explicitly rather than hanging in processing forever.
		log.Printf("session %s: sandbox socket lost dispatching message %s", c.sessionID, msg.ID)
		if err := c.store.CompleteMessage(msg.ID, false, store.NowMillis()); err != nil {
			log.Printf("session %s: failing undispatched message: %v", c.sessionID, err)
		}
		c.emitEvent(store.EventError, map[string]string{
			"error": "sandbox disconnected before prompt dispatch",
		}, msg.ID)
		c.ensureSandbox()
		return
	}

	if sb != nil {
		sb.Status = store.SandboxRunning
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting sandbox running: %v", c.sessionID, err)
		}
	}
	c.hub.Broadcast(hub.ProcessingStatus(true))
}

// executionComplete finishes the current prompt, snapshots the sandbox, and
// promotes the next pending message.
func (c *Coordinator) executionComplete(ev hub.ExecutionCompleteEvent) {
	msg, err := c.store.GetMessage(ev.MsgID)
	if err != nil {
		log.Printf("session %s: execution_complete for unknown message %s", c.sessionID, ev.MsgID)
		return
	}

	if err := c.store.CompleteMessage(msg.ID, ev.Success, store.NowMillis()); err != nil {
		log.Printf("session %s: completing message %s: %v", c.sessionID, msg.ID, err)
	}

	if sb, err := c.store.GetSandbox(); err == nil && sb.Status == store.SandboxRunning {
		sb.Status = store.SandboxReady
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting sandbox ready: %v", c.sessionID, err)
		}
	}

	c.hub.Broadcast(hub.ProcessingStatus(false))
	c.triggerSnapshot("execution_complete")

	if c.notifier != nil && msg.CallbackContext != "" {
		summary := msg.Content
		if len(summary) > 120 {
			summary = summary[:117] + "..."
		}
		c.notifier.MessageFinished(msg.CallbackContext, ev.Success, summary)
	}

	c.processNext()
}

// Stop forwards a stop frame to the sandbox. Message status changes only on
// the resulting execution_complete; stop with nothing running is a no-op.
func (c *Coordinator) Stop() error {
	_, err := call(c, func() (struct{}, error) {
		c.stopLocked()
		return struct{}{}, nil
	})
	return err
}

func (c *Coordinator) stopLocked() {
	if _, err := c.store.ProcessingMessage(); err != nil {
		return
	}
	if !c.hub.SendToSandbox(hub.StopCommand()) {
		log.Printf("session %s: stop requested but no sandbox socket", c.sessionID)
	}
}
