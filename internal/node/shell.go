package node

import (
	"context"
	"fmt"
	"os/exec"
)

// RunFunc executes a process and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ShellNetwork runs commands on the local machine, optionally wrapped in a
// per-node prefix such as "mnexec -a {{.PID}}" or "ip netns exec {{.Namespace}}".
type ShellNetwork struct {
	specs  map[string]Spec
	prefix prefix
	shell  string
	run    RunFunc
}

type ShellOption func(*ShellNetwork)

func WithShell(path string) ShellOption {
	return func(n *ShellNetwork) {
		if path != "" {
			n.shell = path
		}
	}
}

func WithRunner(fn RunFunc) ShellOption {
	return func(n *ShellNetwork) {
		if fn != nil {
			n.run = fn
		}
	}
}

func NewShellNetwork(specs []Spec, prefixTemplate string, opts ...ShellOption) (*ShellNetwork, error) {
	indexed, err := indexSpecs(specs)
	if err != nil {
		return nil, err
	}
	p, err := parsePrefix(prefixTemplate)
	if err != nil {
		return nil, err
	}
	n := &ShellNetwork{
		specs:  indexed,
		prefix: p,
		shell:  "sh",
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			return cmd.CombinedOutput()
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *ShellNetwork) Node(name string) (Node, error) {
	spec, ok := n.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return &shellNode{spec: spec, net: n}, nil
}

func (n *ShellNetwork) Nodes() []string {
	return sortedNames(n.specs)
}

type shellNode struct {
	spec Spec
	net  *ShellNetwork
}

func (s *shellNode) Name() string { return s.spec.Name }
func (s *shellNode) Addr() string { return s.spec.Addr }

func (s *shellNode) Exec(ctx context.Context, command string) (string, error) {
	argv, err := s.net.prefix.render(s.spec)
	if err != nil {
		return "", err
	}
	argv = append(argv, s.net.shell, "-c", command)
	out, err := s.net.run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return string(out), fmt.Errorf("exec on %s: %w", s.spec.Name, err)
	}
	return string(out), nil
}
