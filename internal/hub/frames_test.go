package hub

import (
	"encoding/json"
	"testing"

	"github.com/jxucoder/sidecoder/internal/store"
)

func TestParseClientFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"subscribe","token":"abc","clientId":"web-1"}`))
	if err != nil {
		t.Fatalf("parse subscribe: %v", err)
	}
	sub, ok := f.(SubscribeFrame)
	if !ok || sub.Token != "abc" || sub.ClientID != "web-1" {
		t.Fatalf("unexpected frame: %#v", f)
	}

	f, err = ParseClientFrame([]byte(`{"type":"prompt","content":"fix it","model":"m"}`))
	if err != nil {
		t.Fatalf("parse prompt: %v", err)
	}
	p, ok := f.(PromptFrame)
	if !ok || p.Content != "fix it" || p.Model != "m" {
		t.Fatalf("unexpected frame: %#v", f)
	}

	if _, err := ParseClientFrame([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("parse ping: %v", err)
	}
	if _, err := ParseClientFrame([]byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("parse stop: %v", err)
	}
}

func TestParseClientFrameRejectsBadInput(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"subscribe"}`,          // missing token
		`{"type":"prompt","model":"m"}`, // missing content
	}
	for _, raw := range cases {
		if _, err := ParseClientFrame([]byte(raw)); err == nil {
			t.Errorf("frame %q accepted", raw)
		}
	}
}

func TestParseSandboxEvent(t *testing.T) {
	ev, err := ParseSandboxEvent([]byte(`{"type":"execution_complete","messageId":"m1","success":true}`))
	if err != nil {
		t.Fatalf("parse execution_complete: %v", err)
	}
	ec, ok := ev.(ExecutionCompleteEvent)
	if !ok || ec.MsgID != "m1" || !ec.Success {
		t.Fatalf("unexpected event: %#v", ev)
	}
	if ev.EventType() != store.EventExecutionComplete {
		t.Fatalf("event type: %s", ev.EventType())
	}
	if ev.MessageID() != "m1" {
		t.Fatalf("message id: %s", ev.MessageID())
	}

	ev, err = ParseSandboxEvent([]byte(`{"type":"token","content":"hi","messageId":"m2"}`))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if ev.MessageID() != "m2" || ev.EventType() != store.EventToken {
		t.Fatalf("unexpected token event: %#v", ev)
	}

	ev, err = ParseSandboxEvent([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("parse heartbeat: %v", err)
	}
	if ev.MessageID() != "" {
		t.Fatal("heartbeat should carry no message id")
	}

	ev, err = ParseSandboxEvent([]byte(`{"type":"push_error","branchName":"B","error":"denied"}`))
	if err != nil {
		t.Fatalf("parse push_error: %v", err)
	}
	pe := ev.(PushErrorEvent)
	if pe.BranchName != "B" || pe.Err != "denied" {
		t.Fatalf("unexpected push_error: %#v", pe)
	}
}

func TestParseSandboxEventRejectsBadInput(t *testing.T) {
	cases := []string{
		`garbage`,
		`{"type":"mystery"}`,
		`{"type":"execution_complete","success":true}`, // missing messageId
	}
	for _, raw := range cases {
		if _, err := ParseSandboxEvent([]byte(raw)); err == nil {
			t.Errorf("event %q accepted", raw)
		}
	}
}

func TestServerFrameShapes(t *testing.T) {
	var frame map[string]any

	if err := json.Unmarshal(PromptQueued("m1", 3), &frame); err != nil {
		t.Fatalf("prompt_queued: %v", err)
	}
	if frame["type"] != "prompt_queued" || frame["messageId"] != "m1" || frame["position"] != float64(3) {
		t.Fatalf("unexpected prompt_queued: %v", frame)
	}

	if err := json.Unmarshal(ProcessingStatus(true), &frame); err != nil {
		t.Fatalf("processing_status: %v", err)
	}
	if frame["type"] != "processing_status" || frame["isProcessing"] != true {
		t.Fatalf("unexpected processing_status: %v", frame)
	}

	if err := json.Unmarshal(SnapshotSaved("img-1", "execution_complete"), &frame); err != nil {
		t.Fatalf("snapshot_saved: %v", err)
	}
	if frame["imageId"] != "img-1" || frame["reason"] != "execution_complete" {
		t.Fatalf("unexpected snapshot_saved: %v", frame)
	}

	if err := json.Unmarshal(PushCommand("b", "o", "r", "tok"), &frame); err != nil {
		t.Fatalf("push command: %v", err)
	}
	if frame["type"] != "push" || frame["branchName"] != "b" || frame["githubToken"] != "tok" {
		t.Fatalf("unexpected push command: %v", frame)
	}

	if err := json.Unmarshal(PromptCommand("m1", "do", "model-x", "alice", nil), &frame); err != nil {
		t.Fatalf("prompt command: %v", err)
	}
	if frame["type"] != "prompt" || frame["author"] != "alice" || frame["model"] != "model-x" {
		t.Fatalf("unexpected prompt command: %v", frame)
	}
}
