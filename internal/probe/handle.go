package probe

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/pingsantohq/sdnharness/internal/node"
)

// Handle is a detached background process on a node together with the
// command that terminates it. Stop is idempotent and safe to call even if
// Start failed or was never called.
type Handle struct {
	node  node.Node
	start string
	kill  string

	mu      sync.Mutex
	stopped bool
}

func NewHandle(n node.Node, start, kill string) *Handle {
	return &Handle{node: n, start: start, kill: kill}
}

func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("start on %s: handle already stopped", h.node.Name())
	}
	if _, err := h.node.Exec(ctx, h.start); err != nil {
		return fmt.Errorf("start on %s: %w", h.node.Name(), err)
	}
	return nil
}

func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	if _, err := h.node.Exec(ctx, h.kill); err != nil {
		return fmt.Errorf("stop on %s: %w", h.node.Name(), err)
	}
	return nil
}

// KillCommand returns a pkill invocation matching processes whose command
// line contains pattern followed by a space or the end of the line, so
// "-p 500" never matches "-p 5001".
func KillCommand(pattern string) string {
	if pattern == "" {
		return "true"
	}
	return killCommand(killPattern(pattern) + "( |$)")
}

// KillPrefixCommand is KillCommand without the word boundary, for sweeping
// every process started with a common prefix.
func KillPrefixCommand(prefix string) string {
	if prefix == "" {
		return "true"
	}
	return killCommand(killPattern(prefix))
}

// killPattern escapes pattern and wraps its first character in a bracket
// expression so the invoking shell never matches itself.
func killPattern(pattern string) string {
	if isAlnum(pattern[0]) {
		return "[" + pattern[:1] + "]" + regexp.QuoteMeta(pattern[1:])
	}
	return regexp.QuoteMeta(pattern)
}

func killCommand(re string) string {
	return "pkill -f " + node.Quote(re) + " || true"
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
