// Package perturb applies network perturbations through shell commands on
// the emulated network: link state changes, station moves, controller
// stop/start and background traffic.
package perturb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"text/template"
	"time"

	"github.com/pingsantohq/sdnharness/internal/config"
	"github.com/pingsantohq/sdnharness/internal/node"
)

var (
	ErrUnknownLink       = errors.New("unknown link")
	ErrUnknownController = errors.New("unknown controller")
	ErrNotConfigured     = errors.New("perturbation not configured")
)

type Position struct {
	X, Y, Z float64
}

// Perturber is the collaborator the orchestrator calls to change network
// conditions.
type Perturber interface {
	SetLinkStatus(ctx context.Context, a, b string, up bool) error
	MoveStation(ctx context.Context, station string, pos Position) error
	StopController(ctx context.Context, id string) error
	StartController(ctx context.Context, id string) error
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// CommandPerturber implements Perturber with templated shell commands.
type CommandPerturber struct {
	net         node.Network
	linkCmd     *template.Template
	moveCmd     *template.Template
	moveNode    string
	links       map[string]config.LinkConfig
	controllers map[string]config.ControllerConfig
	dial        DialFunc
	retryEvery  time.Duration
}

type Option func(*CommandPerturber)

func WithDialer(fn DialFunc) Option {
	return func(p *CommandPerturber) {
		if fn != nil {
			p.dial = fn
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(p *CommandPerturber) {
		if d > 0 {
			p.retryEvery = d
		}
	}
}

func NewCommandPerturber(network node.Network, cfg config.PerturbConfig, opts ...Option) (*CommandPerturber, error) {
	p := &CommandPerturber{
		net:         network,
		moveNode:    cfg.MoveNode,
		links:       make(map[string]config.LinkConfig, len(cfg.Links)),
		controllers: make(map[string]config.ControllerConfig, len(cfg.Controllers)),
		dial:        (&net.Dialer{Timeout: time.Second}).DialContext,
		retryEvery:  time.Second,
	}
	var err error
	if p.linkCmd, err = parseTemplate("link_command", cfg.LinkCommand); err != nil {
		return nil, err
	}
	if p.moveCmd, err = parseTemplate("move_command", cfg.MoveCommand); err != nil {
		return nil, err
	}
	for _, l := range cfg.Links {
		if l.A == "" || l.B == "" {
			return nil, errors.New("link requires both ends")
		}
		p.links[linkKey(l.A, l.B)] = l
	}
	for _, c := range cfg.Controllers {
		if c.ID == "" {
			return nil, errors.New("controller requires an id")
		}
		p.controllers[c.ID] = c
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func linkKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (p *CommandPerturber) exec(ctx context.Context, nodeName, command string) error {
	n, err := p.net.Node(nodeName)
	if err != nil {
		return err
	}
	if out, err := n.Exec(ctx, command); err != nil {
		return fmt.Errorf("%s: %w (output: %q)", command, err, out)
	}
	return nil
}

func (p *CommandPerturber) SetLinkStatus(ctx context.Context, a, b string, up bool) error {
	link, ok := p.links[linkKey(a, b)]
	if !ok {
		return fmt.Errorf("%w: %s-%s", ErrUnknownLink, a, b)
	}
	if p.linkCmd == nil || len(link.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints for link %s-%s", ErrNotConfigured, a, b)
	}
	state := "down"
	if up {
		state = "up"
	}
	var errs []error
	for _, ep := range link.Endpoints {
		cmd, err := render(p.linkCmd, struct {
			Node, Interface, State string
		}{ep.Node, ep.Interface, state})
		if err != nil {
			errs = append(errs, fmt.Errorf("render link command: %w", err))
			continue
		}
		if err := p.exec(ctx, ep.Node, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *CommandPerturber) MoveStation(ctx context.Context, station string, pos Position) error {
	if p.moveCmd == nil {
		return fmt.Errorf("%w: move_command", ErrNotConfigured)
	}
	cmd, err := render(p.moveCmd, struct {
		Station string
		X, Y, Z float64
	}{station, pos.X, pos.Y, pos.Z})
	if err != nil {
		return fmt.Errorf("render move command: %w", err)
	}
	target := p.moveNode
	if target == "" {
		target = station
	}
	return p.exec(ctx, target, cmd)
}

func (p *CommandPerturber) StopController(ctx context.Context, id string) error {
	c, ok := p.controllers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownController, id)
	}
	if c.Stop == "" {
		return fmt.Errorf("%w: stop command for %s", ErrNotConfigured, id)
	}
	return p.exec(ctx, c.Node, c.Stop)
}

// StartController runs the start command and, when the controller has an
// address, waits until it accepts TCP connections.
func (p *CommandPerturber) StartController(ctx context.Context, id string) error {
	c, ok := p.controllers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownController, id)
	}
	if c.Start == "" {
		return fmt.Errorf("%w: start command for %s", ErrNotConfigured, id)
	}
	if err := p.exec(ctx, c.Node, c.Start); err != nil {
		return err
	}
	if c.Addr == "" {
		return nil
	}
	return p.waitReachable(ctx, c.Addr, c.ReadyTimeout)
}

func (p *CommandPerturber) waitReachable(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		conn, err := p.dial(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("controller %s not reachable: %w", addr, err)
		case <-time.After(p.retryEvery):
		}
	}
}
