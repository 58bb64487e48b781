// Package interactive implements the InteractiveController: the contract
// that lets an operator temporarily take manual control of the agent's
// terminal without breaking iteration detection.
package interactive

import (
	"sync"

	"github.com/ralphrun/ralph/internal/debug"
)

// escapeByte is sent into the PTY when interactive mode turns on, so the
// agent's own UI returns to its top-level prompt before the operator starts
// typing.
const escapeByte = 0x1b

// PTYWriter is the subset of PTY access the controller needs.
type PTYWriter interface {
	Write(p []byte) (int, error)
}

// StateChangeFunc is called with the single field that changed, so callers
// can emit a state_change RPC event carrying only that field.
type StateChangeFunc func(field string, value bool)

// Controller gates keystroke forwarding and completion-detection
// suppression while an operator is driving the agent directly.
type Controller struct {
	mu     sync.Mutex
	pty    PTYWriter
	mode   bool
	onMode StateChangeFunc
}

// New creates a Controller writing escape/forwarded bytes to pty.
// onModeChange may be nil.
func New(pty PTYWriter, onModeChange StateChangeFunc) *Controller {
	return &Controller{pty: pty, onMode: onModeChange}
}

// SetMode transitions interactiveMode and returns the effective mode after
// the transition. Moving false->true writes the escape byte first; moving
// true->false emits a state_change event.
func (c *Controller) SetMode(enabled bool) (effective bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enabled == c.mode {
		return c.mode, nil
	}

	if enabled {
		if _, werr := c.pty.Write([]byte{escapeByte}); werr != nil {
			return c.mode, werr
		}
	}
	c.mode = enabled
	debug.LogKV("interactive", "mode changed", "enabled", enabled)
	if c.onMode != nil {
		c.onMode("interactiveMode", enabled)
	}
	return c.mode, nil
}

// Mode returns the current interactiveMode flag.
func (c *Controller) Mode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ForwardInput writes bytes to the PTY only if interactiveMode is true.
// It reports ok=false (a "soft refusal") when it declines to write.
func (c *Controller) ForwardInput(data []byte) (ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mode {
		return false, nil
	}
	if _, err := c.pty.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// ShouldSuppressCompletion reports whether the LoopRunner should ignore the
// next completion signal because an operator is driving interactively.
// It is derived directly from interactiveMode per spec.
func (c *Controller) ShouldSuppressCompletion() bool {
	return c.Mode()
}
