package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/jxucoder/sidecoder/internal/hub"
	"github.com/jxucoder/sidecoder/internal/provider"
	"github.com/jxucoder/sidecoder/internal/secrets"
	"github.com/jxucoder/sidecoder/internal/store"
)

// The sandbox lifecycle manager: owns the sandbox state machine, the
// warm/spawn/restore policy, the circuit breaker, the inactivity and
// heartbeat alarm, and snapshot-on-completion.
//
// Provider I/O never runs on the actor loop. The loop records intent and
// launches a goroutine; the goroutine posts its result back, so every state
// transition still happens single-threaded.

// Warm requests a best-effort prefetch of the sandbox, typically triggered
// by typing.
func (c *Coordinator) Warm() error {
	_, err := call(c, func() (struct{}, error) {
		c.warmLocked()
		return struct{}{}, nil
	})
	return err
}

// warmLocked short-circuits when the sandbox is already on its way up, when
// the circuit breaker is open, or when the spawn cooldown has not elapsed.
func (c *Coordinator) warmLocked() {
	sb, err := c.store.GetSandbox()
	if err == nil && sb.Status.Usable() && sb.Status != store.SandboxPending {
		return
	}
	if err == nil && c.breakerOpen(sb) {
		return
	}
	if !c.warmLimiter.Allow() {
		return
	}
	c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_warming", store.SandboxWarming, ""))
	c.spawn(true)
}

// ensureSandbox spawns when no usable sandbox exists. Called from the queue
// engine when a prompt has nowhere to run.
func (c *Coordinator) ensureSandbox() {
	sb, err := c.store.GetSandbox()
	if err == nil {
		switch sb.Status {
		case store.SandboxSpawning, store.SandboxConnecting, store.SandboxWarming,
			store.SandboxSyncing, store.SandboxReady, store.SandboxRunning:
			// Already on its way; the queue re-enters on ready.
			return
		}
	}
	c.spawn(false)
}

// spawn creates a new sandbox record with a fresh auth token, persists it,
// and starts the provider call. Restoration from the latest snapshot is
// attempted first; cold create is the fallback. bestEffort suppresses
// user-visible errors for warm requests.
func (c *Coordinator) spawn(bestEffort bool) {
	prev, _ := c.store.GetSandbox()
	if prev != nil && c.breakerOpen(prev) {
		if !bestEffort {
			c.emitEvent(store.EventError, map[string]string{
				"error": "sandbox provider unavailable, retry shortly",
			}, "")
			c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_error", store.SandboxFailed,
				"provider circuit breaker open"))
		}
		return
	}

	sess, err := c.store.GetSession()
	if err != nil {
		log.Printf("session %s: spawn without session row: %v", c.sessionID, err)
		return
	}

	authToken, err := secrets.NewToken()
	if err != nil {
		log.Printf("session %s: minting sandbox token: %v", c.sessionID, err)
		return
	}

	// The auth token must be durable before the provider call starts so the
	// sandbox's first connection attempt can always be validated.
	sb := &store.Sandbox{
		ID:            store.NewID(),
		Status:        store.SandboxSpawning,
		GitSyncStatus: store.GitSyncPending,
		AuthToken:     authToken,
		LastActivity:  store.NowMillis(),
		CreatedAt:     store.NowMillis(),
	}
	if err := c.store.CreateSandbox(sb); err != nil {
		log.Printf("session %s: persisting sandbox record: %v", c.sessionID, err)
		return
	}
	c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_spawning", sb.Status, ""))

	cfg := provider.SandboxConfig{
		SessionID:   c.sessionID,
		RepoOwner:   sess.RepoOwner,
		RepoName:    sess.RepoName,
		Branch:      sess.BranchName,
		BaseSHA:     sess.BaseSHA,
		Model:       sess.Model,
		AuthToken:   authToken,
		CallbackURL: provider.SandboxURL(c.cfg.PublicBaseURL, c.sessionID),
	}
	snapshotImage := sb.SnapshotImageID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()

		var objectID string
		var restored bool
		var callErr error

		if snapshotImage != "" {
			res, err := c.provider.Restore(ctx, snapshotImage, cfg)
			if err == nil {
				objectID = res.ObjectID
				restored = true
			} else {
				log.Printf("session %s: restore from %s failed, falling back to create: %v",
					c.sessionID, snapshotImage, err)
			}
		}
		if objectID == "" {
			res, err := c.provider.Create(ctx, cfg)
			if err != nil {
				callErr = err
			} else {
				objectID = res.ObjectID
			}
		}

		c.post(func() { c.spawnFinished(sb.ID, objectID, restored, callErr) })
	}()
}

// spawnFinished applies the provider result on the actor loop.
func (c *Coordinator) spawnFinished(sandboxID, objectID string, restored bool, callErr error) {
	sb, err := c.store.GetSandbox()
	if err != nil || sb.ID != sandboxID {
		// Superseded while the call was in flight.
		return
	}

	if callErr != nil {
		if provider.IsTransient(callErr) {
			// Back off to pending; the next activity retries, bounded by
			// the breaker policy.
			c.recordTransientFailure(sb)
			sb.Status = store.SandboxPending
			if err := c.store.UpdateSandbox(sb); err != nil {
				log.Printf("session %s: persisting sandbox backoff: %v", c.sessionID, err)
			}
			c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_warning", sb.Status,
				"transient provider failure, will retry"))
			return
		}
		sb.Status = store.SandboxFailed
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting sandbox failure: %v", c.sessionID, err)
		}
		c.emitEvent(store.EventError, map[string]string{"error": callErr.Error()}, "")
		c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_error", sb.Status, callErr.Error()))
		return
	}

	c.resetBreaker(sb)
	sb.ObjectID = objectID
	sb.Status = store.SandboxConnecting
	if err := c.store.UpdateSandbox(sb); err != nil {
		log.Printf("session %s: persisting sandbox connecting: %v", c.sessionID, err)
	}
	kind := "sandbox_status"
	if restored {
		kind = "sandbox_restored"
	}
	c.hub.Broadcast(hub.SandboxStatusFrame(kind, sb.Status, ""))

	// The sandbox must connect its socket before the deadline or it fails.
	if c.connectDeadline != nil {
		c.connectDeadline.Stop()
	}
	c.connectDeadline = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.post(func() { c.connectDeadlineExceeded(sandboxID) })
	})
}

func (c *Coordinator) connectDeadlineExceeded(sandboxID string) {
	sb, err := c.store.GetSandbox()
	if err != nil || sb.ID != sandboxID || sb.Status != store.SandboxConnecting {
		return
	}
	sb.Status = store.SandboxFailed
	if err := c.store.UpdateSandbox(sb); err != nil {
		log.Printf("session %s: persisting connect timeout: %v", c.sessionID, err)
	}
	c.emitEvent(store.EventError, map[string]string{"error": "sandbox connect deadline exceeded"}, "")
	c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_error", sb.Status, "connect deadline exceeded"))
}

// --- Circuit breaker ---

func (c *Coordinator) breakerOpen(sb *store.Sandbox) bool {
	if sb.BreakerOpenedAt == 0 {
		return false
	}
	if store.NowMillis()-sb.BreakerOpenedAt >= c.cfg.BreakerCooldown.Milliseconds() {
		return false
	}
	return true
}

func (c *Coordinator) recordTransientFailure(sb *store.Sandbox) {
	now := store.NowMillis()
	if c.breakerWindowStart == 0 || now-c.breakerWindowStart > c.cfg.BreakerWindow.Milliseconds() {
		c.breakerWindowStart = now
		sb.BreakerFailures = 0
	}
	sb.BreakerFailures++
	if sb.BreakerFailures >= c.cfg.BreakerThreshold {
		sb.BreakerOpenedAt = now
		log.Printf("session %s: circuit breaker open after %d transient failures",
			c.sessionID, sb.BreakerFailures)
	}
}

func (c *Coordinator) resetBreaker(sb *store.Sandbox) {
	c.breakerWindowStart = 0
	if sb.BreakerFailures == 0 && sb.BreakerOpenedAt == 0 {
		return
	}
	sb.BreakerFailures = 0
	sb.BreakerOpenedAt = 0
	if err := c.store.UpdateSandbox(sb); err != nil {
		log.Printf("session %s: resetting breaker: %v", c.sessionID, err)
	}
}

// --- Activity, heartbeat, and the single alarm ---

// touchActivity records client or agent activity and re-arms the alarm.
func (c *Coordinator) touchActivity() {
	if sb, err := c.store.GetSandbox(); err == nil {
		sb.LastActivity = store.NowMillis()
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting activity: %v", c.sessionID, err)
		}
	}
	c.rearmAlarm()
}

// rearmAlarm keeps a single outstanding timer: the earliest of the
// inactivity deadline and the heartbeat check. Firing re-computes the next.
func (c *Coordinator) rearmAlarm() {
	if c.alarm != nil {
		c.alarm.Stop()
		c.alarm = nil
	}

	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	if sb.Status != store.SandboxReady && sb.Status != store.SandboxRunning {
		return
	}

	now := store.NowMillis()
	inactivityAt := sb.LastActivity + c.cfg.InactivityTimeout.Milliseconds()
	heartbeatAt := sb.LastHeartbeat + c.cfg.HeartbeatThreshold.Milliseconds()
	next := inactivityAt
	if sb.LastHeartbeat > 0 && heartbeatAt < next {
		next = heartbeatAt
	}

	delay := time.Duration(next-now) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	c.alarm = time.AfterFunc(delay, func() {
		c.post(func() { c.alarmFired() })
	})
}

func (c *Coordinator) alarmFired() {
	c.alarm = nil
	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	if sb.Status != store.SandboxReady && sb.Status != store.SandboxRunning {
		return
	}
	now := store.NowMillis()

	// Heartbeat loss is observational: mark stale and tell the clients.
	if sb.LastHeartbeat > 0 && now-sb.LastHeartbeat > c.cfg.HeartbeatThreshold.Milliseconds() {
		sb.Status = store.SandboxStale
		if err := c.store.UpdateSandbox(sb); err != nil {
			log.Printf("session %s: persisting stale sandbox: %v", c.sessionID, err)
		}
		c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_status", sb.Status, "heartbeat lost"))
		return
	}

	// Inactivity: snapshot and stop, but only with no clients watching.
	if now-sb.LastActivity >= c.cfg.InactivityTimeout.Milliseconds() {
		if c.hub.ClientCount() > 0 {
			// LastActivity is already past the deadline (pings are answered
			// in the hub and do not count as activity), so re-arming off it
			// would fire again immediately. Check back one full interval out.
			c.alarm = time.AfterFunc(c.cfg.InactivityTimeout, func() {
				c.post(func() { c.alarmFired() })
			})
			return
		}
		log.Printf("session %s: inactivity timeout, snapshotting and stopping sandbox", c.sessionID)
		c.snapshotThenStop()
		return
	}

	c.rearmAlarm()
}

// --- Snapshots ---

// TriggerSnapshot requests a snapshot of the current sandbox.
func (c *Coordinator) TriggerSnapshot(reason string) error {
	_, err := call(c, func() (struct{}, error) {
		c.triggerSnapshotWith(reason, nil)
		return struct{}{}, nil
	})
	return err
}

// triggerSnapshot is idempotent with respect to the in-flight snapshot and
// fire-and-forget with respect to the caller.
func (c *Coordinator) triggerSnapshot(reason string) {
	c.triggerSnapshotWith(reason, nil)
}

func (c *Coordinator) triggerSnapshotWith(reason string, then func()) {
	if c.snapshotting {
		// The snapshot itself is deduplicated, but the follow-up must not
		// be lost: chain it behind the in-flight snapshot.
		if then != nil {
			c.snapshotFollowups = append(c.snapshotFollowups, then)
		}
		return
	}
	sb, err := c.store.GetSandbox()
	if err != nil || sb.ObjectID == "" {
		if then != nil {
			then()
		}
		return
	}

	c.snapshotting = true
	objectID := sb.ObjectID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		res, err := c.provider.Snapshot(ctx, objectID)
		c.post(func() {
			c.snapshotting = false
			followups := c.snapshotFollowups
			c.snapshotFollowups = nil
			if err != nil {
				log.Printf("session %s: snapshot (%s) failed: %v", c.sessionID, reason, err)
			} else {
				if sb, serr := c.store.GetSandbox(); serr == nil {
					sb.SnapshotImageID = res.ImageID
					if uerr := c.store.UpdateSandbox(sb); uerr != nil {
						log.Printf("session %s: persisting snapshot image: %v", c.sessionID, uerr)
					}
				}
				c.hub.Broadcast(hub.SnapshotSaved(res.ImageID, reason))
			}
			if then != nil {
				then()
			}
			for _, fn := range followups {
				fn()
			}
		})
	}()
}

// snapshotThenStop runs the inactivity path: snapshot, then ask the
// provider to stop the sandbox.
func (c *Coordinator) snapshotThenStop() {
	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	sb.Status = store.SandboxSnapshotting
	if err := c.store.UpdateSandbox(sb); err != nil {
		log.Printf("session %s: persisting snapshotting: %v", c.sessionID, err)
	}
	c.triggerSnapshotWith("inactivity_timeout", func() {
		c.stopSandboxLocked()
	})
}

// StopSandbox stops the sandbox explicitly (archive, delete).
func (c *Coordinator) StopSandbox() error {
	_, err := call(c, func() (struct{}, error) {
		c.stopSandboxLocked()
		return struct{}{}, nil
	})
	return err
}

func (c *Coordinator) stopSandboxLocked() {
	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	if sb.Status == store.SandboxStopped {
		return
	}
	objectID := sb.ObjectID
	sb.Status = store.SandboxStopped
	if err := c.store.UpdateSandbox(sb); err != nil {
		log.Printf("session %s: persisting sandbox stopped: %v", c.sessionID, err)
	}
	c.hub.Broadcast(hub.SandboxStatusFrame("sandbox_status", sb.Status, ""))

	if objectID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.provider.Stop(ctx, objectID); err != nil {
				log.Printf("session %s: provider stop: %v", c.sessionID, err)
			}
		}()
	}
}
