// Package sshtest provides an in-process SSH server for testing.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// CmdHandler processes a command and returns stdout, stderr, and exit code.
type CmdHandler func(cmd string) (stdout, stderr string, exitCode int)

type serverConfig struct {
	clientPubKey ssh.PublicKey
	noAuth       bool
	forwardTCP   bool
	noExitStatus bool
	cmdHandler   CmdHandler
}

// Option configures a test SSH server.
type Option func(*serverConfig)

// WithPublicKey configures the server to accept the given public key.
func WithPublicKey(pub ssh.PublicKey) Option {
	return func(c *serverConfig) { c.clientPubKey = pub }
}

// WithNoAuth configures the server to accept any connection.
func WithNoAuth() Option {
	return func(c *serverConfig) { c.noAuth = true }
}

// WithCmdHandler sets the command handler. Without one the server echoes
// the command back on stdout.
func WithCmdHandler(h CmdHandler) Option {
	return func(c *serverConfig) { c.cmdHandler = h }
}

// WithForwardTCP enables direct-tcpip forwarding, so the server can act as
// a jump host.
func WithForwardTCP() Option {
	return func(c *serverConfig) { c.forwardTCP = true }
}

// WithoutExitStatus makes sessions close without sending "exit-status".
func WithoutExitStatus() Option {
	return func(c *serverConfig) { c.noExitStatus = true }
}

// Server is a running in-process SSH server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	cfg      *serverConfig
	listener net.Listener
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

// Start launches an in-process SSH server on 127.0.0.1. It is shut down
// automatically when the test ends.
func Start(t *testing.T, opts ...Option) *Server {
	t.Helper()

	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{NoClientAuth: cfg.noAuth}
	serverConf.AddHostKey(hostSigner)

	if cfg.clientPubKey != nil {
		expected := cfg.clientPubKey.Marshal()
		serverConf.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(expected) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		cfg:      cfg,
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConnection(conn, serverConf)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting connections. It is safe to call more than once.
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(p)
	return port
}

// Commands returns every exec request received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) handleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			if !s.cfg.forwardTCP {
				newChan.Reject(ssh.Prohibited, "tcpip forwarding not enabled")
				continue
			}
			ch, reqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)
			go handleDirectTCPIP(ch, newChan.ExtraData())
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		stdout, stderr, exitCode := payload.Command, "", 0
		if s.cfg.cmdHandler != nil {
			stdout, stderr, exitCode = s.cfg.cmdHandler(payload.Command)
		}

		if stdout != "" {
			io.WriteString(ch, stdout)
		}
		if stderr != "" {
			io.WriteString(ch.Stderr(), stderr)
		}

		if !s.cfg.noExitStatus {
			status := make([]byte, 4)
			binary.BigEndian.PutUint32(status, uint32(exitCode))
			ch.SendRequest("exit-status", false, status)
		}
		return
	}
}

func handleDirectTCPIP(ch ssh.Channel, extraData []byte) {
	defer ch.Close()

	var target struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(extraData, &target); err != nil {
		return
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

// GenerateKey creates an ed25519 key pair and writes the private key to a
// temp file. Returns the public key and the path to the private key file.
func GenerateKey(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	pemBlock := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pemBlock, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	return signer.PublicKey(), keyPath
}

// WriteKnownHosts writes a known_hosts file trusting key for each server
// address and returns its path.
func WriteKnownHosts(t *testing.T, key ssh.PublicKey, addrs ...string) string {
	t.Helper()

	var lines []byte
	for _, addr := range addrs {
		lines = append(lines, knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)...)
		lines = append(lines, '\n')
	}

	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, lines, 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}
