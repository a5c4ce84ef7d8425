// Package nodetest provides scripted nodes for tests.
package nodetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pingsantohq/sdnharness/internal/node"
)

// HandlerFunc answers one command sent to a node.
type HandlerFunc func(ctx context.Context, node, command string) (string, error)

// Network is an in-memory node.Network that records every command and
// answers through a handler.
type Network struct {
	mu      sync.Mutex
	addrs   map[string]string
	handler HandlerFunc
	calls   []Call
}

// Call is one recorded command.
type Call struct {
	Node    string
	Command string
}

// New builds a network from name to address pairs.
func New(addrs map[string]string, handler HandlerFunc) *Network {
	if handler == nil {
		handler = func(context.Context, string, string) (string, error) { return "", nil }
	}
	copied := make(map[string]string, len(addrs))
	for k, v := range addrs {
		copied[k] = v
	}
	return &Network{addrs: copied, handler: handler}
}

func (n *Network) SetHandler(h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *Network) Node(name string) (node.Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr, ok := n.addrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", node.ErrUnknownNode, name)
	}
	return &scripted{name: name, addr: addr, net: n}, nil
}

func (n *Network) Nodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.addrs))
	for name := range n.addrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calls returns a copy of the recorded commands in order.
func (n *Network) Calls() []Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Call(nil), n.calls...)
}

// CallsTo returns the commands sent to one node.
func (n *Network) CallsTo(name string) []string {
	var out []string
	for _, c := range n.Calls() {
		if c.Node == name {
			out = append(out, c.Command)
		}
	}
	return out
}

type scripted struct {
	name string
	addr string
	net  *Network
}

func (s *scripted) Name() string { return s.name }
func (s *scripted) Addr() string { return s.addr }

func (s *scripted) Exec(ctx context.Context, command string) (string, error) {
	s.net.mu.Lock()
	s.net.calls = append(s.net.calls, Call{Node: s.name, Command: command})
	h := s.net.handler
	s.net.mu.Unlock()
	return h(ctx, s.name, command)
}
