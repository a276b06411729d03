package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/agent462/fleetrun/internal/dispatch"
)

// Transport implements dispatch.Transport with one-shot SSH connections.
// Each Connect dials a fresh client; closing the session closes it.
type Transport struct {
	base ClientConfig
}

var (
	_ dispatch.Transport  = (*Transport)(nil)
	_ dispatch.Classifier = (*Transport)(nil)
	_ dispatch.Session    = (*Client)(nil)
)

// NewTransport creates a Transport. Credentials passed to Connect override
// the user, identity and host key policy of base.
func NewTransport(base ClientConfig) *Transport {
	return &Transport{base: base}
}

// Connect dials address, which may carry an explicit ":port".
func (t *Transport) Connect(ctx context.Context, address string, creds dispatch.Credentials) (dispatch.Session, error) {
	conf, host := t.configFor(address, creds)

	client, err := Dial(ctx, host, conf)
	if err != nil {
		return nil, WrapConnectError(address, fmt.Errorf("connect: %w", err))
	}
	return client, nil
}

// Classify implements dispatch.Classifier.
func (t *Transport) Classify(err error) dispatch.FailureKind {
	return Classify(err)
}

func (t *Transport) configFor(address string, creds dispatch.Credentials) (ClientConfig, string) {
	conf := t.base
	if creds.User != "" {
		conf.User = creds.User
	}
	if creds.PrivateKeyPath != "" {
		conf.IdentityFiles = []string{creds.PrivateKeyPath}
	}
	conf.HostKeyPolicy = creds.HostKeyPolicy

	host := address
	if h, p, err := net.SplitHostPort(address); err == nil {
		if port, err := strconv.Atoi(p); err == nil && port > 0 {
			host = h
			conf.Port = port
		}
	}
	return conf, host
}
