package rpc

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, *Client, func()) {
	t.Helper()
	dir := t.TempDir()
	state := NewState("demo-task", "/tmp/demo", "claude", 50)

	var stopped, checkpointed bool
	var interactiveArg bool
	var ptyData string
	srv := NewServer(state, Callbacks{
		OnStop:       func() { stopped = true },
		OnCheckpoint: func() { checkpointed = true },
		OnSetInteractive: func(enabled bool) {
			interactiveArg = enabled
		},
		OnWritePTY: func(data string) { ptyData = data },
	})
	if err := srv.Start(dir, "demo-task"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cl, err := Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_ = stopped
	_ = checkpointed
	_ = interactiveArg
	_ = ptyData

	return srv, cl, func() {
		cl.Close()
		srv.Stop()
	}
}

func TestSocketPathLayout(t *testing.T) {
	got := SocketPath("/data", "mytask")
	want := filepath.Join("/data", "sockets", "mytask.sock")
	if got != want {
		t.Fatalf("SocketPath: got %s want %s", got, want)
	}
}

func TestGetStatusRoundTrip(t *testing.T) {
	_, cl, cleanup := startTestServer(t)
	defer cleanup()

	raw, err := cl.Call("get_status", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["task_name"] != "demo-task" {
		t.Fatalf("task_name: got %v", got["task_name"])
	}
	if got["mode_indicator"] != "autonomous" {
		t.Fatalf("mode_indicator: got %v", got["mode_indicator"])
	}
}

func TestStopAndCheckpointInvokeCallbacks(t *testing.T) {
	srv, cl, cleanup := startTestServer(t)
	defer cleanup()

	var gotStop, gotCheckpoint bool
	srv.Callbacks.OnStop = func() { gotStop = true }
	srv.Callbacks.OnCheckpoint = func() { gotCheckpoint = true }

	if _, err := cl.Call("stop", nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !gotStop {
		t.Fatalf("expected OnStop to fire")
	}
	if _, err := cl.Call("checkpoint", nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !gotCheckpoint {
		t.Fatalf("expected OnCheckpoint to fire")
	}
}

func TestInjectPromptRejectsEmpty(t *testing.T) {
	_, cl, cleanup := startTestServer(t)
	defer cleanup()

	_, err := cl.Call("inject_prompt", map[string]any{"prompt": "  "})
	if err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Code != InvalidParams {
		t.Fatalf("expected InvalidParams error, got %v", err)
	}

	raw, err := cl.Call("inject_prompt", map[string]any{"prompt": "focus on tests"})
	if err != nil {
		t.Fatalf("inject_prompt: %v", err)
	}
	var got map[string]string
	_ = json.Unmarshal(raw, &got)
	if got["status"] != "prompt_injected" {
		t.Fatalf("got %v", got)
	}
}

func TestWritePTYIgnoredOutsideInteractiveMode(t *testing.T) {
	_, cl, cleanup := startTestServer(t)
	defer cleanup()

	raw, err := cl.Call("write_pty", map[string]any{"data": "hello"})
	if err != nil {
		t.Fatalf("write_pty: %v", err)
	}
	var got map[string]string
	_ = json.Unmarshal(raw, &got)
	if got["status"] != "ignored" {
		t.Fatalf("expected ignored outside interactive mode, got %v", got)
	}

	if _, err := cl.Call("set_interactive_mode", map[string]any{"enabled": true}); err != nil {
		t.Fatalf("set_interactive_mode: %v", err)
	}

	raw, err = cl.Call("write_pty", map[string]any{"data": "hello"})
	if err != nil {
		t.Fatalf("write_pty: %v", err)
	}
	_ = json.Unmarshal(raw, &got)
	if got["status"] != "forwarded" {
		t.Fatalf("expected forwarded once interactive, got %v", got)
	}
}

func TestMethodNotFound(t *testing.T) {
	_, cl, cleanup := startTestServer(t)
	defer cleanup()

	_, err := cl.Call("bogus_method", nil)
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Code != MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %v", err)
	}
}

func TestSubscribeReceivesOutputEvent(t *testing.T) {
	srv, cl, cleanup := startTestServer(t)
	defer cleanup()

	if err := cl.Subscribe("output"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.AppendOutput("hello from the agent")
	}()

	ev, err := cl.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != "output" {
		t.Fatalf("expected output event, got %s", ev.Type)
	}
	var data map[string]string
	_ = json.Unmarshal(ev.Data, &data)
	if data["line"] != "hello from the agent" {
		t.Fatalf("got %v", data)
	}
}

func TestInvalidSubscribeEventType(t *testing.T) {
	_, cl, cleanup := startTestServer(t)
	defer cleanup()

	_, err := cl.Call("subscribe", map[string]any{"events": []string{"bogus"}})
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Code != InvalidParams {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}
