package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig controls how SSHNetwork authenticates to nodes.
type SSHConfig struct {
	User           string
	KeyPath        string
	KnownHostsPath string
	Port           int
	DialTimeout    time.Duration
}

// SSHNetwork runs commands on remote nodes over SSH. Clients are dialled
// lazily and reused for the lifetime of the network.
type SSHNetwork struct {
	specs  map[string]Spec
	prefix prefix
	config *ssh.ClientConfig
	port   int

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func NewSSHNetwork(cfg SSHConfig, specs []Spec, prefixTemplate string) (*SSHNetwork, error) {
	indexed, err := indexSpecs(specs)
	if err != nil {
		return nil, err
	}
	p, err := parsePrefix(prefixTemplate)
	if err != nil {
		return nil, err
	}
	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port <= 0 {
		port = 22
	}
	return &SSHNetwork{
		specs:   indexed,
		prefix:  p,
		config:  clientCfg,
		port:    port,
		clients: make(map[string]*ssh.Client),
	}, nil
}

func clientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh user required")
	}
	if cfg.KeyPath == "" {
		return nil, errors.New("ssh key path required")
	}
	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func (n *SSHNetwork) Node(name string) (Node, error) {
	spec, ok := n.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return &sshNode{spec: spec, net: n}, nil
}

func (n *SSHNetwork) Nodes() []string {
	return sortedNames(n.specs)
}

// Close closes every cached client.
func (n *SSHNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for name, c := range n.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(n.clients, name)
	}
	return errors.Join(errs...)
}

func (n *SSHNetwork) client(spec Spec) (*ssh.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[spec.Name]; ok {
		return c, nil
	}
	host := spec.Host
	if host == "" {
		host = spec.Addr
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, fmt.Sprint(n.port))
	}
	c, err := ssh.Dial("tcp", host, n.config)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", spec.Name, host, err)
	}
	n.clients[spec.Name] = c
	return c, nil
}

func (n *SSHNetwork) drop(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[name]; ok {
		c.Close()
		delete(n.clients, name)
	}
}

type sshNode struct {
	spec Spec
	net  *SSHNetwork
}

func (s *sshNode) Name() string { return s.spec.Name }
func (s *sshNode) Addr() string { return s.spec.Addr }

func (s *sshNode) Exec(ctx context.Context, command string) (string, error) {
	argv, err := s.net.prefix.render(s.spec)
	if err != nil {
		return "", err
	}
	if len(argv) > 0 {
		command = joinArgs(argv) + " sh -c " + Quote(command)
	}

	c, err := s.net.client(s.spec)
	if err != nil {
		return "", err
	}
	session, err := c.NewSession()
	if err != nil {
		s.net.drop(s.spec.Name)
		return "", fmt.Errorf("open session on %s: %w", s.spec.Name, err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("exec on %s: %w", s.spec.Name, res.err)
		}
		return string(res.out), nil
	}
}
