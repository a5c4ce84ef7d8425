// Package node executes shell commands inside the hosts, stations and
// switches of a running emulated network.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

var ErrUnknownNode = errors.New("unknown node")

// Node is a host, station or switch that accepts shell commands.
type Node interface {
	Name() string
	// Addr is the node's data-plane address used as a probe target.
	Addr() string
	// Exec runs command to completion and returns its combined output. The
	// output is returned even when the command fails.
	Exec(ctx context.Context, command string) (string, error)
}

// Network resolves node names.
type Network interface {
	Node(name string) (Node, error)
	Nodes() []string
}

// Spec describes how a node is reached.
type Spec struct {
	Name      string
	Addr      string
	PID       int
	Namespace string
	// Host is the SSH endpoint, host or host:port.
	Host string
}

type prefix struct {
	tmpl *template.Template
}

func parsePrefix(text string) (prefix, error) {
	if strings.TrimSpace(text) == "" {
		return prefix{}, nil
	}
	tmpl, err := template.New("prefix").Option("missingkey=error").Parse(text)
	if err != nil {
		return prefix{}, fmt.Errorf("parse command prefix: %w", err)
	}
	return prefix{tmpl: tmpl}, nil
}

func (p prefix) render(spec Spec) ([]string, error) {
	if p.tmpl == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, spec); err != nil {
		return nil, fmt.Errorf("render command prefix for %s: %w", spec.Name, err)
	}
	return strings.Fields(buf.String()), nil
}

func indexSpecs(specs []Spec) (map[string]Spec, error) {
	out := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return nil, errors.New("node name required")
		}
		if _, dup := out[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate node %q", spec.Name)
		}
		out[spec.Name] = spec
	}
	return out, nil
}

func sortedNames(specs map[string]Spec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
