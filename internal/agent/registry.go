package agent

import "fmt"

// Names lists the built-in backend names, in the order tried when no other
// preference is configured.
func Names() []string { return []string{"claude", "opencode"} }

// New constructs a concrete Backend by name, applying a command-path
// override (empty means "use PATH"). Grounded on adaf's internal/agent
// registry-by-string-key lookup used throughout internal/cli's resolve
// helpers, simplified to the two backends this domain ships.
func New(name, commandOverride string) (Backend, error) {
	switch name {
	case "claude":
		return &ClaudeBackend{Command: commandOverride}, nil
	case "opencode":
		return &OpenCodeBackend{Command: commandOverride}, nil
	default:
		return nil, fmt.Errorf("agent: unknown backend %q (valid: %v)", name, Names())
	}
}
