package dispatch

import (
	"context"
	"fmt"
	"strings"
)

// HostKeyPolicy decides what happens when a node presents a host key that is
// not already trusted.
type HostKeyPolicy int

const (
	// RejectUnknown aborts the connection to hosts missing from known_hosts.
	RejectUnknown HostKeyPolicy = iota
	// AcceptUnknown trusts unknown hosts silently. Keys that contradict a
	// known_hosts entry are still rejected.
	AcceptUnknown
)

func (p HostKeyPolicy) String() string {
	switch p {
	case RejectUnknown:
		return "reject"
	case AcceptUnknown:
		return "accept"
	default:
		return fmt.Sprintf("HostKeyPolicy(%d)", int(p))
	}
}

// ParseHostKeyPolicy parses "reject" or "accept". An empty string is RejectUnknown.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return RejectUnknown, nil
	case "accept":
		return AcceptUnknown, nil
	default:
		return RejectUnknown, fmt.Errorf("invalid host key policy %q, must be one of: reject, accept", s)
	}
}

// Credentials carries everything a Transport needs to authenticate.
type Credentials struct {
	User string

	// PrivateKeyPath is an explicit key file. If empty, the transport falls
	// back to ambient identities (agent, ssh_config, default key files).
	PrivateKeyPath string

	HostKeyPolicy HostKeyPolicy
}

// Transport opens authenticated remote-shell sessions.
type Transport interface {
	Connect(ctx context.Context, address string, creds Credentials) (Session, error)
}

// Session runs a single command on a connected host.
type Session interface {
	// Run executes command to completion. A non-zero exit status is reported
	// through exitCode, not err; err is reserved for transport failures.
	Run(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error)
	Close() error
}

// Classifier is implemented by transports that can tell what kind of failure
// an error represents. KindUnknown means "no opinion".
type Classifier interface {
	Classify(err error) FailureKind
}
