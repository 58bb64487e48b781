package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ralphrun/ralph/internal/debug"
	"github.com/ralphrun/ralph/internal/eventq"
)

// outboxCapacity bounds how many pending event frames a client connection
// may queue before it is considered dead and dropped.
const outboxCapacity = 32

// validEventTypes are the event type strings subscribe/unsubscribe accept.
var validEventTypes = map[string]bool{
	"output":       true,
	"state_change": true,
	"*":            true,
}

// Callbacks are invoked when a client issues a control command. All are
// optional; a nil callback means the command is accepted but has no effect
// beyond updating State.
type Callbacks struct {
	OnStop          func()
	OnCheckpoint    func()
	OnSetInteractive func(enabled bool)
	OnWritePTY      func(data string)
}

// Server is a JSON-RPC 2.0 server over a Unix domain socket, one per
// running loop, exposing the task's State and forwarding control commands
// to the LoopRunner via Callbacks.
type Server struct {
	State     *State
	Callbacks Callbacks

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	clients    []*client
}

type client struct {
	conn      net.Conn
	w         *bufio.Writer
	mu        sync.Mutex
	subs      map[string]bool
	subsMu    sync.Mutex
	outbox    chan []byte
	closeOnce sync.Once
}

func (c *client) isSubscribed(eventType string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs["*"] || c.subs[eventType]
}

func (c *client) writeLine(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// pumpOutbox drains queued event frames onto the connection. It runs in
// its own goroutine so a slow reader cannot block EmitEvent, which is
// called synchronously from the loop's output-streaming path.
func (c *client) pumpOutbox() {
	for b := range c.outbox {
		if err := c.writeLine(b); err != nil {
			return
		}
	}
}

// closeOutbox closes the outbox channel at most once, letting pumpOutbox
// exit after draining whatever was already queued.
func (c *client) closeOutbox() {
	c.closeOnce.Do(func() { close(c.outbox) })
}

// SocketDir is the directory sockets live under, relative to a base data
// directory (normally ~/.local/share/ralph).
func SocketDir(dataDir string) string {
	return filepath.Join(dataDir, "sockets")
}

// SocketPath returns the socket path for a task name under dataDir.
func SocketPath(dataDir, taskName string) string {
	return filepath.Join(SocketDir(dataDir), taskName+".sock")
}

// NewServer constructs a Server bound to state, not yet listening.
func NewServer(state *State, callbacks Callbacks) *Server {
	return &Server{State: state, Callbacks: callbacks}
}

// Start creates the socket directory, removes any stale socket file, and
// begins accepting connections in the background. The socket is chmod'd
// 0600 (owner-only), the directory 0700.
func (s *Server) Start(dataDir, taskName string) error {
	dir := SocketDir(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("rpc: create socket dir: %w", err)
	}

	path := SocketPath(dataDir, taskName)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("rpc: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.socketPath = path
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

// SocketPath returns the path of the listening socket, or "" if not started.
func (s *Server) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath
}

// Stop closes the listener, disconnects all clients, and removes the
// socket file. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	path := s.socketPath
	clients := make([]*client, len(s.clients))
	copy(clients, s.clients)
	s.clients = nil
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range clients {
		c.conn.Close()
	}
	if path != "" {
		_ = os.Remove(path)
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	c := &client{
		conn:   conn,
		w:      bufio.NewWriter(conn),
		subs:   map[string]bool{},
		outbox: make(chan []byte, outboxCapacity),
	}
	go c.pumpOutbox()

	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	defer func() {
		s.removeClient(c)
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if resp, ok := s.process(line, c); ok {
			b, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if err := c.writeLine(b); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	for i, cc := range s.clients {
		if cc == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	c.closeOutbox()
}

// process parses and dispatches one request line. The bool return
// indicates whether a response line should be written (false for
// notifications, i.e. requests with no id).
func (s *Server) process(raw string, c *client) (response, bool) {
	var req request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return errorResponse(nil, ParseError, "Parse error"), true
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, InvalidRequest, "Invalid JSON-RPC version"), req.ID != nil
	}
	if req.Method == "" {
		return errorResponse(req.ID, InvalidRequest, "Missing method"), req.ID != nil
	}

	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	result, rpcErr := s.dispatch(req.Method, req.Params, c)
	if isNotification {
		return response{}, false
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr.Code, rpcErr.Message), true
	}
	return successResponse(req.ID, result), true
}

func (s *Server) dispatch(method string, params json.RawMessage, c *client) (any, *Error) {
	switch method {
	case "get_status":
		return s.State.Dict(), nil
	case "stop":
		if s.Callbacks.OnStop != nil {
			s.Callbacks.OnStop()
		}
		return map[string]string{"status": "stop_requested"}, nil
	case "checkpoint":
		if s.Callbacks.OnCheckpoint != nil {
			s.Callbacks.OnCheckpoint()
		}
		return map[string]string{"status": "checkpoint_requested"}, nil
	case "inject_prompt":
		return s.handleInjectPrompt(params)
	case "set_interactive_mode":
		return s.handleSetInteractiveMode(params)
	case "write_pty":
		return s.handleWritePTY(params)
	case "subscribe":
		return s.handleSubscribe(params, c, true)
	case "unsubscribe":
		return s.handleSubscribe(params, c, false)
	default:
		return nil, NewError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}
}

func (s *Server) handleInjectPrompt(params json.RawMessage) (any, *Error) {
	var p struct {
		Prompt string `json:"prompt"`
	}
	_ = json.Unmarshal(params, &p)
	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		return nil, NewError(InvalidParams, "Missing or empty 'prompt' parameter")
	}
	changed := s.State.Set(map[string]any{"injected_prompt": prompt})
	if len(changed) > 0 {
		s.EmitEvent("state_change", changed)
	}
	return map[string]string{"status": "prompt_injected", "prompt": prompt}, nil
}

func (s *Server) handleSetInteractiveMode(params json.RawMessage) (any, *Error) {
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Enabled == nil {
		return nil, NewError(InvalidParams, "Missing or invalid 'enabled' parameter (must be bool)")
	}
	s.State.Set(map[string]any{"interactive_mode": *p.Enabled})
	s.EmitEvent("state_change", map[string]any{"interactive_mode": *p.Enabled})
	if s.Callbacks.OnSetInteractive != nil {
		s.Callbacks.OnSetInteractive(*p.Enabled)
	}
	return map[string]bool{"interactive_mode": *p.Enabled}, nil
}

func (s *Server) handleWritePTY(params json.RawMessage) (any, *Error) {
	var p struct {
		Data string `json:"data"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Data == "" {
		return nil, NewError(InvalidParams, "Missing or empty 'data' parameter")
	}
	if !s.State.InteractiveModeSnapshot() {
		return map[string]string{"status": "ignored", "reason": "not in interactive mode"}, nil
	}
	if s.Callbacks.OnWritePTY != nil {
		s.Callbacks.OnWritePTY(p.Data)
	}
	return map[string]string{"status": "forwarded"}, nil
}

func (s *Server) handleSubscribe(params json.RawMessage, c *client, subscribe bool) (any, *Error) {
	var p struct {
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(params, &p); err != nil && len(params) > 0 {
		return nil, NewError(InvalidParams, "'events' must be a list")
	}
	for _, ev := range p.Events {
		if subscribe && !validEventTypes[ev] {
			return nil, NewError(InvalidParams, fmt.Sprintf("Invalid event type: '%s'. Valid: *, output, state_change", ev))
		}
	}
	c.subsMu.Lock()
	for _, ev := range p.Events {
		if subscribe {
			c.subs[ev] = true
		} else {
			delete(c.subs, ev)
		}
	}
	subs := make([]string, 0, len(c.subs))
	for ev := range c.subs {
		subs = append(subs, ev)
	}
	c.subsMu.Unlock()

	return map[string]any{"subscribed": subs}, nil
}

// AppendOutput records an output line in State and emits an "output" event
// to subscribed clients.
func (s *Server) AppendOutput(line string) {
	s.State.AppendOutput(line)
	s.EmitEvent("output", map[string]any{"line": line})
}

// UpdateState applies field updates to State and, if anything changed,
// emits a "state_change" event carrying just the changed fields.
func (s *Server) UpdateState(fields map[string]any) {
	changed := s.State.Set(fields)
	if len(changed) > 0 {
		s.EmitEvent("state_change", changed)
	}
}

// EmitEvent pushes an event notification to every subscribed client.
// Disconnected or too-slow clients are pruned: the frame is queued onto
// each subscriber's outbox without blocking, and a subscriber whose
// outbox is full is dropped rather than stalling the loop.
func (s *Server) EmitEvent(eventType string, data any) {
	s.mu.Lock()
	clients := make([]*client, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	note := notification{
		JSONRPC: "2.0",
		Method:  "event",
		Params: eventParams{
			Type:      eventType,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Data:      data,
		},
	}
	b, err := json.Marshal(note)
	if err != nil {
		return
	}

	var dead []*client
	for _, c := range clients {
		if !c.isSubscribed(eventType) {
			continue
		}
		if !eventq.Offer(c.outbox, b) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		s.removeClient(c)
		debug.LogKV("rpc", "dropping dead subscriber")
	}
}
