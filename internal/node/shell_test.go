package node

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestShellNetworkPrefix(t *testing.T) {
	var gotName string
	var gotArgs []string
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return []byte("ok"), nil
	}
	net, err := NewShellNetwork([]Spec{{Name: "h1", Addr: "10.0.0.1", PID: 4242}}, "mnexec -a {{.PID}}", WithRunner(runner))
	if err != nil {
		t.Fatalf("NewShellNetwork: %v", err)
	}
	h1, err := net.Node("h1")
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if h1.Addr() != "10.0.0.1" {
		t.Fatalf("unexpected addr %s", h1.Addr())
	}
	out, err := h1.Exec(context.Background(), "ping -c 1 10.0.0.2")
	if err != nil || out != "ok" {
		t.Fatalf("unexpected exec result %q %v", out, err)
	}
	if gotName != "mnexec" {
		t.Fatalf("expected mnexec got %s", gotName)
	}
	want := []string{"-a", "4242", "sh", "-c", "ping -c 1 10.0.0.2"}
	if !reflect.DeepEqual(gotArgs, want) {
		t.Fatalf("expected %v got %v", want, gotArgs)
	}
}

func TestShellNetworkNoPrefix(t *testing.T) {
	var gotName string
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		return []byte("partial"), errors.New("exit status 1")
	}
	net, err := NewShellNetwork([]Spec{{Name: "s1"}}, "", WithRunner(runner), WithShell("/bin/bash"))
	if err != nil {
		t.Fatalf("NewShellNetwork: %v", err)
	}
	s1, _ := net.Node("s1")
	out, err := s1.Exec(context.Background(), "ovs-ofctl dump-flows s1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if out != "partial" {
		t.Fatalf("expected output to survive failure got %q", out)
	}
	if gotName != "/bin/bash" {
		t.Fatalf("expected custom shell got %s", gotName)
	}
}

func TestShellNetworkUnknownAndDuplicate(t *testing.T) {
	net, err := NewShellNetwork([]Spec{{Name: "h1"}}, "")
	if err != nil {
		t.Fatalf("NewShellNetwork: %v", err)
	}
	if _, err := net.Node("h9"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode got %v", err)
	}
	if _, err := NewShellNetwork([]Spec{{Name: "h1"}, {Name: "h1"}}, ""); err == nil {
		t.Fatalf("expected duplicate node error")
	}
	if _, err := NewShellNetwork([]Spec{{Name: "h1"}}, "ip netns exec {{.Missing}}"); err != nil {
		t.Fatalf("template parse should succeed: %v", err)
	}
}

func TestShellNetworkPrefixRenderError(t *testing.T) {
	net, err := NewShellNetwork([]Spec{{Name: "h1"}}, "ip netns exec {{.Missing}}")
	if err != nil {
		t.Fatalf("NewShellNetwork: %v", err)
	}
	h1, _ := net.Node("h1")
	if _, err := h1.Exec(context.Background(), "true"); err == nil {
		t.Fatalf("expected render error for unknown field")
	}
}

func TestNodesSorted(t *testing.T) {
	net, _ := NewShellNetwork([]Spec{{Name: "h2"}, {Name: "h1"}, {Name: "s1"}}, "")
	if got := net.Nodes(); !reflect.DeepEqual(got, []string{"h1", "h2", "s1"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestQuote(t *testing.T) {
	if got := Quote("iperf -s -p 5001"); got != "'iperf -s -p 5001'" {
		t.Fatalf("unexpected %s", got)
	}
	if got := Quote("it's"); got != `'it'\''s'` {
		t.Fatalf("unexpected %s", got)
	}
}

func TestSSHNetworkRequiresCredentials(t *testing.T) {
	if _, err := NewSSHNetwork(SSHConfig{}, nil, ""); err == nil {
		t.Fatalf("expected missing user error")
	}
	if _, err := NewSSHNetwork(SSHConfig{User: "mininet"}, nil, ""); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := NewSSHNetwork(SSHConfig{User: "mininet", KeyPath: t.TempDir() + "/missing"}, nil, ""); err == nil {
		t.Fatalf("expected unreadable key error")
	}
}
