package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agent462/fleetrun/internal/dispatch"
)

// ConnectError wraps an SSH connection error with its failure kind and a
// user-friendly hint.
type ConnectError struct {
	Host string
	Kind dispatch.FailureKind
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v\n  hint: %s", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SessionError is an error from an established connection: opening the
// session or running the command on it.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// WrapConnectError wraps an SSH connection error with a friendly hint.
// If the error doesn't match any known patterns, it's returned as-is.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}
	kind, hint := classify(host, err)
	if hint == "" {
		return err
	}
	return &ConnectError{Host: host, Kind: kind, Err: err, Hint: hint}
}

// Classify maps a transport error to a dispatch failure kind.
func Classify(err error) dispatch.FailureKind {
	if err == nil {
		return dispatch.KindUnknown
	}
	var se *SessionError
	if errors.As(err, &se) {
		return dispatch.KindSession
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	kind, _ := classify("", err)
	return kind
}

// classify inspects typed errors first and falls back to message matching,
// since the handshake path does not always preserve error types.
func classify(host string, err error) (dispatch.FailureKind, string) {
	msg := err.Error()

	var keyFileErr *KeyFileError
	if errors.As(err, &keyFileErr) {
		if strings.Contains(msg, "permission denied") {
			return dispatch.KindConfig, "check SSH key permissions (chmod 600)"
		}
		return dispatch.KindConfig, "check the private key path and format"
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) > 0 {
			return dispatch.KindHostKey, fmt.Sprintf("remove old key with: ssh-keygen -R %s", host)
		}
		return dispatch.KindHostKey, fmt.Sprintf("use --accept-unknown-hosts or connect once with: ssh %s", host)
	}
	if strings.Contains(msg, "key mismatch") {
		return dispatch.KindHostKey, fmt.Sprintf("remove old key with: ssh-keygen -R %s", host)
	}
	if strings.Contains(msg, "no known_hosts") || strings.Contains(msg, "knownhosts") {
		return dispatch.KindHostKey, fmt.Sprintf("use --accept-unknown-hosts or connect once with: ssh %s", host)
	}

	var authErr *ssh.ServerAuthError
	if errors.As(err, &authErr) ||
		strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return dispatch.KindAuth, fmt.Sprintf("verify your SSH key or agent. Try: ssh -v %s", host)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(msg, "no such host") {
		return dispatch.KindConnect, "verify hostname is correct"
	}
	if strings.Contains(msg, "connection refused") {
		return dispatch.KindConnect, "verify SSH daemon is running on the target host"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return dispatch.KindConnect, "verify the host is reachable"
	}
	if strings.Contains(msg, "handshake failed") {
		return dispatch.KindConnect, fmt.Sprintf("verify the SSH daemon on %s accepts connections", host)
	}

	return dispatch.KindUnknown, ""
}
