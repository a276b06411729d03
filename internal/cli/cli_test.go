package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agent462/fleetrun/internal/dispatch"
	"github.com/agent462/fleetrun/internal/ssh"
	"github.com/agent462/fleetrun/internal/sshtest"
)

type recordingTransport struct {
	mu     sync.Mutex
	addrs  []string
	creds  []dispatch.Credentials
	refuse map[string]bool
}

func (r *recordingTransport) Connect(ctx context.Context, address string, creds dispatch.Credentials) (dispatch.Session, error) {
	r.mu.Lock()
	r.addrs = append(r.addrs, address)
	r.creds = append(r.creds, creds)
	r.mu.Unlock()

	if r.refuse[address] {
		return nil, errors.New("connection refused")
	}
	return &recordingSession{address: address}, nil
}

type recordingSession struct {
	address string
}

func (s *recordingSession) Run(ctx context.Context, command string) ([]byte, []byte, int, error) {
	return []byte("out:" + s.address + "\n"), nil, 0, nil
}

func (s *recordingSession) Close() error { return nil }

func stubTransport(t *testing.T, tr dispatch.Transport) {
	t.Helper()
	prev := newTransport
	newTransport = func(ssh.ClientConfig) dispatch.Transport { return tr }
	t.Cleanup(func() { newTransport = prev })
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := NewRootCmd()
	var out, errb bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errb)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errb.String(), err
}

const inventoryYAML = `
ssh:
  user: ops
nodes:
  - name: node-a
    public_ip: 203.0.113.10
    private_ip: 10.0.0.10
  - name: node-b
    public_ip: 203.0.113.11
    private_ip: 10.0.0.11
groups:
  first:
    - node-a
`

func TestRunOverSSH(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)
	srv := sshtest.Start(t, sshtest.WithPublicKey(pubKey))
	knownHosts := sshtest.WriteKnownHosts(t, srv.HostKey, srv.Addr)

	cfgPath := writeConfig(t, fmt.Sprintf(`
ssh:
  user: cloud-user
  private_key_path: %s
  known_hosts: %s
nodes:
  - name: local
    public_ip: %s
`, keyPath, knownHosts, srv.Addr))

	stdout, _, err := runCLI(t, "--config", cfgPath, "run", "--", "echo", "hi")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stdout)
	}
	if !strings.Contains(stdout, srv.Addr) || !strings.Contains(stdout, "echo hi") {
		t.Errorf("expected the echoed command for %s, got:\n%s", srv.Addr, stdout)
	}
	if !strings.Contains(stdout, "1 succeeded") {
		t.Errorf("expected summary, got:\n%s", stdout)
	}

	cmds := srv.Commands()
	if len(cmds) != 1 || !strings.HasPrefix(cmds[0], "sh -c ") {
		t.Errorf("server received %v", cmds)
	}
}

func TestRunUnknownHostRejected(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)
	srv := sshtest.Start(t, sshtest.WithPublicKey(pubKey))
	other, _ := sshtest.GenerateKey(t)
	knownHosts := sshtest.WriteKnownHosts(t, other, "192.0.2.1:22")

	cfgPath := writeConfig(t, fmt.Sprintf(`
ssh:
  private_key_path: %s
  known_hosts: %s
`, keyPath, knownHosts))

	stdout, _, err := runCLI(t, "--config", cfgPath, "run", "--node", "n="+srv.Addr, "--", "true")
	if err == nil {
		t.Fatal("expected error for unknown host key")
	}
	if !strings.Contains(stdout, "failed (host-key)") {
		t.Errorf("expected host-key failure, got:\n%s", stdout)
	}

	stdout, _, err = runCLI(t, "--config", cfgPath, "run", "--accept-unknown-hosts", "--node", "n="+srv.Addr, "--", "true")
	if err != nil {
		t.Fatalf("--accept-unknown-hosts should connect: %v\n%s", err, stdout)
	}
}

func TestRunFailureReturnsError(t *testing.T) {
	tr := &recordingTransport{refuse: map[string]bool{"203.0.113.11": true}}
	stubTransport(t, tr)

	stdout, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run", "--", "uptime")
	if err == nil || !strings.Contains(err.Error(), "1 of 2 hosts did not succeed") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(stdout, "1 succeeded, 1 failed") {
		t.Errorf("expected summary, got:\n%s", stdout)
	}
}

func TestRunJSON(t *testing.T) {
	tr := &recordingTransport{refuse: map[string]bool{"203.0.113.11": true}}
	stubTransport(t, tr)

	stdout, _, _ := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run", "--json", "--", "uptime")

	var parsed map[string]map[string]any
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if parsed["203.0.113.10"]["stdout"] != "out:203.0.113.10\n" {
		t.Errorf("success entry = %v", parsed["203.0.113.10"])
	}
	if parsed["203.0.113.11"]["ret_code"] != float64(1) || parsed["203.0.113.11"]["error"] == nil {
		t.Errorf("failure entry = %v", parsed["203.0.113.11"])
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	t.Setenv("HOME", "/home/ops")
	tr := &recordingTransport{}
	stubTransport(t, tr)

	_, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run",
		"-u", "admin", "-i", "~/.ssh/fleet", "--accept-unknown-hosts",
		"--host-override", "127.0.0.1", "-c", "2", "--", "uptime")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(tr.addrs) != 2 {
		t.Fatalf("expected 2 connects, got %v", tr.addrs)
	}
	for i, addr := range tr.addrs {
		if addr != "127.0.0.1" {
			t.Errorf("connect %d went to %q, want host override", i, addr)
		}
	}
	creds := tr.creds[0]
	if creds.User != "admin" || creds.PrivateKeyPath != "/home/ops/.ssh/fleet" || creds.HostKeyPolicy != dispatch.AcceptUnknown {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestRunUsesConfigUser(t *testing.T) {
	tr := &recordingTransport{}
	stubTransport(t, tr)

	if _, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run", "--", "id"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.creds[0].User != "ops" || tr.creds[0].HostKeyPolicy != dispatch.RejectUnknown {
		t.Errorf("credentials = %+v", tr.creds[0])
	}
}

func TestRunPrivateIP(t *testing.T) {
	tr := &recordingTransport{}
	stubTransport(t, tr)

	if _, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run", "--private-ip", "--", "id"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(tr.addrs, ",") != "10.0.0.10,10.0.0.11" {
		t.Errorf("addresses = %v, want private ones in order", tr.addrs)
	}
}

func TestRunPrivateIPFlagOverridesConfig(t *testing.T) {
	tr := &recordingTransport{}
	stubTransport(t, tr)

	cfg := strings.Replace(inventoryYAML, "ssh:\n", "dispatch:\n  use_private_ip: true\nssh:\n", 1)
	if _, _, err := runCLI(t, "--config", writeConfig(t, cfg), "run", "--private-ip=false", "--", "id"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(tr.addrs, ",") != "203.0.113.10,203.0.113.11" {
		t.Errorf("addresses = %v, want public ones", tr.addrs)
	}
}

func TestRunGroupAndAdHocNodes(t *testing.T) {
	tr := &recordingTransport{}
	stubTransport(t, tr)

	_, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run",
		"-g", "first", "--node", "edge=198.51.100.9", "--", "id")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(tr.addrs, ",") != "203.0.113.10,198.51.100.9" {
		t.Errorf("addresses = %v", tr.addrs)
	}
}

func TestRunNoNodes(t *testing.T) {
	stubTransport(t, &recordingTransport{})

	_, _, err := runCLI(t, "--config", writeConfig(t, "ssh:\n  user: ops\n"), "run", "--", "id")
	if err == nil || !strings.Contains(err.Error(), "no nodes") {
		t.Errorf("err = %v, want no nodes error", err)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	if _, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run"); err == nil {
		t.Error("expected error when no command is given")
	}
}

func TestRunNegativeConcurrency(t *testing.T) {
	stubTransport(t, &recordingTransport{})

	_, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "run", "-c", "-1", "--", "id")
	if err == nil || !strings.Contains(err.Error(), "concurrency") {
		t.Errorf("err = %v", err)
	}
}

func TestRunBadConfig(t *testing.T) {
	_, _, err := runCLI(t, "--config", writeConfig(t, "output: stream\n"), "run", "--", "id")
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("err = %v", err)
	}
}

func TestRunVerboseLogging(t *testing.T) {
	stubTransport(t, &recordingTransport{})

	_, stderr, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "-v", "run", "--", "uptime")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stderr, "Executing") || !strings.Contains(stderr, "node-a") {
		t.Errorf("expected dispatch log lines on stderr, got:\n%s", stderr)
	}

	_, stderr, _ = runCLI(t, "--config", writeConfig(t, inventoryYAML), "run", "--", "uptime")
	if strings.Contains(stderr, "Executing") {
		t.Errorf("INFO lines should be hidden without -v, got:\n%s", stderr)
	}
}

func TestNodesCmd(t *testing.T) {
	stdout, _, err := runCLI(t, "--config", writeConfig(t, inventoryYAML), "nodes")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got:\n%s", stdout)
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "node-a") || !strings.Contains(lines[1], "10.0.0.10") || !strings.Contains(lines[1], "first") {
		t.Errorf("row = %q", lines[1])
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[2]), "-") {
		t.Errorf("node-b has no groups, row = %q", lines[2])
	}
}

func TestNodesCmdEmpty(t *testing.T) {
	stdout, _, err := runCLI(t, "--config", writeConfig(t, "ssh:\n  user: ops\n"), "nodes")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if !strings.Contains(stdout, "no nodes configured") {
		t.Errorf("got %q", stdout)
	}
}

func TestVersionCmd(t *testing.T) {
	stdout, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stdout != "fleetrun dev\n" {
		t.Errorf("got %q", stdout)
	}
}
