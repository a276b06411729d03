package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/fleetrun/internal/dispatch"
	"github.com/agent462/fleetrun/internal/pathutil"
)

var log = logging.MustGetLogger("fleetrun/ssh")

// ClientConfig holds options for creating an SSH client.
type ClientConfig struct {
	// User is the login name. If empty, resolved from ~/.ssh/config,
	// then $USER.
	User string

	// Port overrides the SSH port. If zero, resolved from
	// ~/.ssh/config or defaults to 22.
	Port int

	// IdentityFiles lists explicit private key paths. Every listed key must
	// load; a bad path is reported instead of silently skipped. If empty,
	// keys come from ~/.ssh/config and the default locations.
	IdentityFiles []string

	// HostKeyPolicy decides what to do with hosts missing from known_hosts.
	HostKeyPolicy dispatch.HostKeyPolicy

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string

	// HostKeyCallback overrides HostKeyPolicy entirely. Tests use it.
	HostKeyCallback ssh.HostKeyCallback

	// ProxyJump specifies one or more comma-separated SSH jump hosts
	// (e.g. "bastion" or "user@jump1:2222,user@jump2").
	// "none" disables proxy jumping (SSH convention).
	ProxyJump string

	// ConnectTimeout bounds TCP dial plus handshake. Zero means no limit
	// beyond the caller's context. Command execution is never bounded.
	ConnectTimeout time.Duration
}

// Client wraps an SSH connection to a single host.
type Client struct {
	host        string
	sshClient   *ssh.Client
	jumpClients []*Client // intermediate jump-host clients, for cleanup
}

// KeyFileError reports an explicit identity file that could not be used.
type KeyFileError struct {
	Path string
	Err  error
}

func (e *KeyFileError) Error() string {
	return fmt.Sprintf("identity file %s: %v", e.Path, e.Err)
}

func (e *KeyFileError) Unwrap() error {
	return e.Err
}

// Dial connects to the given host using the configured auth chain.
// If conf.ProxyJump is set (and not "none"), the connection is tunneled
// through one or more jump hosts.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	if conf.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.ConnectTimeout)
		defer cancel()
	}
	if conf.ProxyJump != "" && conf.ProxyJump != "none" {
		return dialViaProxy(ctx, host, conf)
	}
	return dialDirect(ctx, host, conf)
}

func dialDirect(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	addr, sshConf, err := clientConfigFor(host, conf)
	if err != nil {
		return nil, err
	}

	log.Debugf("dialing %s as %s", addr, sshConf.User)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Client{
		host:      host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// dialViaProxy chains through one or more comma-separated jump hosts,
// then dials the final target through the last jump connection.
func dialViaProxy(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	specs := strings.Split(conf.ProxyJump, ",")
	var jumpClients []*Client
	closeJumps := func() {
		for i := len(jumpClients) - 1; i >= 0; i-- {
			jumpClients[i].Close()
		}
	}

	// Jump hosts inherit identity and host key settings but not the target's port.
	jumpConf := func(spec string) (ClientConfig, string) {
		jumpUser, jumpHostname, jumpPort := parseJumpHost(spec)
		jc := conf
		jc.ProxyJump = ""
		jc.Port = jumpPort
		jc.User = ""
		if jumpUser != "" {
			jc.User = jumpUser
		}
		return jc, jumpHostname
	}

	jc, jumpHost := jumpConf(specs[0])
	prev, err := dialDirect(ctx, jumpHost, jc)
	if err != nil {
		return nil, fmt.Errorf("dial jump host %q: %w", specs[0], err)
	}
	jumpClients = append(jumpClients, prev)

	for _, spec := range specs[1:] {
		jc, jumpHost = jumpConf(spec)
		next, err := dialThrough(ctx, prev, jumpHost, jc)
		if err != nil {
			closeJumps()
			return nil, fmt.Errorf("dial jump host %q: %w", spec, err)
		}
		jumpClients = append(jumpClients, next)
		prev = next
	}

	finalConf := conf
	finalConf.ProxyJump = ""
	final, err := dialThrough(ctx, prev, host, finalConf)
	if err != nil {
		closeJumps()
		return nil, fmt.Errorf("dial target %s via proxy: %w", host, err)
	}
	final.jumpClients = jumpClients
	return final, nil
}

// dialThrough tunnels an SSH connection through an existing client.
func dialThrough(ctx context.Context, proxy *Client, host string, conf ClientConfig) (*Client, error) {
	addr, sshConf, err := clientConfigFor(host, conf)
	if err != nil {
		return nil, err
	}

	conn, err := proxy.sshClient.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", proxy.host, addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (via %s): %w", addr, proxy.host, err)
	}

	return &Client{
		host:      host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// clientConfigFor resolves the dial address and the x/crypto client config.
func clientConfigFor(host string, conf ClientConfig) (string, *ssh.ClientConfig, error) {
	addr, user := resolveAddr(host, conf)

	methods, err := buildAuthMethods(host, conf)
	if err != nil {
		return "", nil, err
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return "", nil, fmt.Errorf("host key callback: %w", err)
	}

	return addr, &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// parseJumpHost parses a jump host spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseJumpHost(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if h, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = h
		fmt.Sscanf(portStr, "%d", &port)
	} else {
		hostname = spec
	}

	return user, hostname, port
}

// RunCommand executes a command on the connected host and returns
// stdout, stderr, exit code, and any error. A remote non-zero exit is not
// an error; a session that ends without an exit status is.
func (c *Client) RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, &SessionError{Op: "new session", Err: err}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
			}
			return outBuf.Bytes(), errBuf.Bytes(), -1, &SessionError{Op: "run", Err: err}
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// Run implements dispatch.Session.
func (c *Client) Run(ctx context.Context, command string) ([]byte, []byte, int, error) {
	return c.RunCommand(ctx, command)
}

// Close closes the underlying SSH connection and any jump-host connections
// in reverse order (innermost first).
func (c *Client) Close() error {
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.jumpClients) - 1; i >= 0; i-- {
		if err := c.jumpClients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// resolveAddr builds the dial address and login for a host. Explicit config
// wins over ~/.ssh/config, which wins over the environment.
func resolveAddr(host string, conf ClientConfig) (addr, user string) {
	user = conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		if portStr := sshconfig.Get(host, "Port"); portStr != "" {
			fmt.Sscanf(portStr, "%d", &port)
		}
	}
	if port == 0 {
		port = 22
	}

	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), user
}

// buildAuthMethods constructs the ordered auth chain: agent, then keys.
func buildAuthMethods(host string, conf ClientConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	if len(conf.IdentityFiles) > 0 {
		for _, keyFile := range conf.IdentityFiles {
			signer, err := loadKeySigner(keyFile)
			if err != nil {
				return nil, &KeyFileError{Path: keyFile, Err: err}
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
		return methods, nil
	}

	for _, keyFile := range resolveKeyFiles(host) {
		if signer, err := loadKeySigner(keyFile); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		} else {
			log.Debugf("skipping key %s: %v", keyFile, err)
		}
	}
	return methods, nil
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// agentAuthMethod returns an auth method using the SSH agent, or nil
// if the agent is unavailable or has no keys.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
		// Stale connection.
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		log.Debugf("ssh agent unavailable: %v", err)
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if _, err := os.Stat(expanded); err == nil {
			files = append(files, expanded)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	return files
}

func loadKeySigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(pathutil.ExpandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// resolveHostKeyCallback builds the host key callback for the policy.
//
// RejectUnknown requires a known_hosts entry. AcceptUnknown trusts hosts
// that have no entry but still rejects a key that contradicts one.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	knownHostsPath := conf.KnownHostsPath
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	knownHostsPath = pathutil.ExpandHome(knownHostsPath)

	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if conf.HostKeyPolicy == dispatch.AcceptUnknown {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, fmt.Errorf("no known_hosts file found at %s; use --accept-unknown-hosts to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	if conf.HostKeyPolicy == dispatch.AcceptUnknown {
		return acceptUnknownHosts(callback), nil
	}
	return callback, nil
}

func acceptUnknownHosts(known ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			log.Debugf("accepting unknown host key for %s", hostname)
			return nil
		}
		return err
	}
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
