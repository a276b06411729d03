package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agent462/fleetrun/internal/dispatch"
)

func TestWrapConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind dispatch.FailureKind
		wantHint string
	}{
		{
			name:     "connection refused",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")},
			wantKind: dispatch.KindConnect,
			wantHint: "SSH daemon",
		},
		{
			name:     "dns failure",
			err:      &net.DNSError{Err: "no such host", Name: "badhost"},
			wantKind: dispatch.KindConnect,
			wantHint: "hostname",
		},
		{
			name:     "unreachable",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("no route to host")},
			wantKind: dispatch.KindConnect,
			wantHint: "reachable",
		},
		{
			name:     "auth failure",
			err:      fmt.Errorf("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey], no supported methods remain"),
			wantKind: dispatch.KindAuth,
			wantHint: "SSH key",
		},
		{
			name:     "known_hosts missing",
			err:      fmt.Errorf("host key callback: no known_hosts file found at /home/user/.ssh/known_hosts"),
			wantKind: dispatch.KindHostKey,
			wantHint: "--accept-unknown-hosts",
		},
		{
			name:     "unknown host key",
			err:      fmt.Errorf("ssh: handshake failed: %w", &knownhosts.KeyError{}),
			wantKind: dispatch.KindHostKey,
			wantHint: "--accept-unknown-hosts",
		},
		{
			name:     "host key mismatch",
			err:      fmt.Errorf("ssh: handshake failed: %w", &knownhosts.KeyError{Want: []knownhosts.KnownKey{{Filename: "known_hosts", Line: 3}}}),
			wantKind: dispatch.KindHostKey,
			wantHint: "ssh-keygen -R",
		},
		{
			name:     "key file permission",
			err:      &KeyFileError{Path: "/root/.ssh/id_rsa", Err: os.ErrPermission},
			wantKind: dispatch.KindConfig,
			wantHint: "chmod 600",
		},
		{
			name:     "key file unparseable",
			err:      &KeyFileError{Path: "/tmp/key", Err: errors.New("ssh: no key found")},
			wantKind: dispatch.KindConfig,
			wantHint: "private key",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := WrapConnectError("myhost", fmt.Errorf("connect: %w", tc.err))
			ce, ok := wrapped.(*ConnectError)
			if !ok {
				t.Fatalf("expected *ConnectError, got %T", wrapped)
			}
			if ce.Kind != tc.wantKind {
				t.Errorf("kind = %v, want %v", ce.Kind, tc.wantKind)
			}
			if !strings.Contains(ce.Hint, tc.wantHint) {
				t.Errorf("hint = %q, want mention of %q", ce.Hint, tc.wantHint)
			}
			if !errors.Is(wrapped, tc.err) {
				t.Error("wrapped error should unwrap to the original")
			}
			if Classify(wrapped) != tc.wantKind {
				t.Errorf("Classify = %v, want %v", Classify(wrapped), tc.wantKind)
			}
		})
	}
}

func TestWrapConnectError_Nil(t *testing.T) {
	if err := WrapConnectError("host", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWrapConnectError_Unknown(t *testing.T) {
	err := fmt.Errorf("some random error")
	wrapped := WrapConnectError("host", err)
	if _, ok := wrapped.(*ConnectError); ok {
		t.Error("expected unwrapped error for unknown error type")
	}
	if Classify(wrapped) != dispatch.KindUnknown {
		t.Errorf("Classify = %v, want unknown", Classify(wrapped))
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != dispatch.KindUnknown {
		t.Error("nil error should classify as unknown")
	}
}

func TestClassify_SessionErrors(t *testing.T) {
	reset := &net.OpError{Op: "read", Net: "tcp", Err: fmt.Errorf("connection reset by peer")}
	tests := []struct {
		name string
		err  error
	}{
		{"reset during run", &SessionError{Op: "run", Err: reset}},
		{"refused opening session", &SessionError{Op: "new session", Err: fmt.Errorf("ssh: rejected: connect failed (connection refused)")}},
		{"wrapped", fmt.Errorf("node-a: %w", &SessionError{Op: "run", Err: reset})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != dispatch.KindSession {
				t.Errorf("Classify = %v, want session", got)
			}
		})
	}

	if Classify(reset) != dispatch.KindConnect {
		t.Error("a bare dial-time OpError should still classify as connect")
	}
	if !strings.HasPrefix((&SessionError{Op: "run", Err: reset}).Error(), "run: ") {
		t.Error("SessionError message should lead with the operation")
	}
}
