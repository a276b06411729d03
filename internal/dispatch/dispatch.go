// Package dispatch runs one shell command across a set of nodes and collects
// a per-node outcome. A node that cannot be reached or authenticated is
// recorded as a failure and never stops the remaining nodes.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid"
	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/fleetrun/internal/node"
)

// DefaultUser is the login used when Config.User is empty.
const DefaultUser = "cloud-user"

var log = logging.MustGetLogger("fleetrun/dispatch")

// Config is copied into the Dispatcher at construction.
type Config struct {
	// Nodes are the default targets, used when a call supplies none.
	Nodes []node.Node

	User           string
	HostKeyPolicy  HostKeyPolicy
	PrivateKeyPath string

	// HostOverride, when set, replaces every node's address.
	HostOverride string

	// UsePrivateIP selects PrivateIP instead of PublicIP by default.
	UsePrivateIP bool

	// Concurrency bounds how many nodes are handled at once. Values below 2
	// keep dispatch strictly sequential.
	Concurrency int

	Logger *logging.Logger
}

// Dispatcher executes commands on nodes through a Transport.
type Dispatcher struct {
	transport Transport
	conf      Config
	creds     Credentials
	log       *logging.Logger
}

// New creates a Dispatcher. The configuration is not validated here; bad
// values surface as failure outcomes on the nodes that use them.
func New(transport Transport, conf Config) *Dispatcher {
	if conf.User == "" {
		conf.User = DefaultUser
	}
	if conf.Concurrency < 1 {
		conf.Concurrency = 1
	}
	conf.Nodes = append([]node.Node(nil), conf.Nodes...)

	logger := conf.Logger
	if logger == nil {
		logger = log
	}

	return &Dispatcher{
		transport: transport,
		conf:      conf,
		creds: Credentials{
			User:           conf.User,
			PrivateKeyPath: conf.PrivateKeyPath,
			HostKeyPolicy:  conf.HostKeyPolicy,
		},
		log: logger,
	}
}

// Observer is notified once per node as soon as its outcome is known. With
// Concurrency above 1 it may be called from several goroutines at once.
type Observer func(address string, o Outcome)

type execCall struct {
	nodes     []node.Node
	privateIP bool
	observer  Observer
}

// ExecOption overrides dispatcher defaults for a single Execute call.
type ExecOption func(*execCall)

// WithNodes replaces the default node list. An empty list keeps the default.
func WithNodes(nodes ...node.Node) ExecOption {
	return func(c *execCall) {
		if len(nodes) > 0 {
			c.nodes = nodes
		}
	}
}

// WithPrivateIP overrides the dispatcher's address policy.
func WithPrivateIP(private bool) ExecOption {
	return func(c *execCall) {
		c.privateIP = private
	}
}

// WithObserver registers a callback invoked after each node completes.
func WithObserver(fn Observer) ExecOption {
	return func(c *execCall) {
		c.observer = fn
	}
}

type addressedOutcome struct {
	address string
	outcome Outcome
}

// Execute runs command on every node and returns one outcome per resolved
// address. If two nodes resolve to the same address, the later node's outcome
// is kept. Execute never fails as a whole.
func (d *Dispatcher) Execute(ctx context.Context, command string, opts ...ExecOption) Results {
	call := execCall{
		nodes:     d.conf.Nodes,
		privateIP: d.conf.UsePrivateIP,
	}
	for _, opt := range opts {
		opt(&call)
	}

	results := make(Results, len(call.nodes))
	if len(call.nodes) == 0 {
		return results
	}

	runID := newRunID()
	wrapped := ShellCommand(command)
	outcomes := make([]addressedOutcome, len(call.nodes))

	handle := func(i int) {
		n := call.nodes[i]
		addr, ok := d.resolveAddress(n, call.privateIP)
		var o Outcome
		if ok {
			o = d.runOne(ctx, runID, n, addr, wrapped)
		} else {
			o = failed(KindConfig, fmt.Errorf("node %s has no address for the selected policy", n))
			d.log.Infof("[%s] Skipping '%s' on %s: %s", runID, wrapped, n, o.Message())
		}
		outcomes[i] = addressedOutcome{address: addr, outcome: o}
		if call.observer != nil {
			call.observer(addr, o)
		}
	}

	if d.conf.Concurrency < 2 || len(call.nodes) == 1 {
		for i := range call.nodes {
			handle(i)
		}
	} else {
		// Plain Group, not WithContext: one node's failure must not cancel the others.
		var g errgroup.Group
		g.SetLimit(d.conf.Concurrency)
		for i := range call.nodes {
			g.Go(func() error {
				handle(i)
				return nil
			})
		}
		g.Wait()
	}

	// Fold in input order so collisions resolve the same way in both modes.
	for _, ao := range outcomes {
		results[ao.address] = ao.outcome
	}
	return results
}

// resolveAddress applies override -> private -> public. When the node has no
// address for the policy it returns the node name as the result key and false.
func (d *Dispatcher) resolveAddress(n node.Node, privateIP bool) (string, bool) {
	if d.conf.HostOverride != "" {
		return d.conf.HostOverride, true
	}
	if addr := n.Address(privateIP); addr != "" {
		return addr, true
	}
	return n.Name, false
}

func (d *Dispatcher) runOne(ctx context.Context, runID string, n node.Node, addr, wrapped string) Outcome {
	d.log.Infof("[%s] Executing '%s' on %s (%s)", runID, wrapped, n, addr)

	o := d.attempt(ctx, addr, wrapped)
	if o.Failed() {
		d.log.Infof("[%s] Executing '%s' on %s failed with error: %s", runID, wrapped, n, o.Message())
	}
	return o
}

func (d *Dispatcher) attempt(ctx context.Context, addr, wrapped string) Outcome {
	session, err := d.transport.Connect(ctx, addr, d.creds)
	if err != nil {
		return failed(d.classify(err, KindConnect), err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			d.log.Debugf("closing session to %s: %v", addr, cerr)
		}
	}()

	stdout, stderr, exitCode, err := session.Run(ctx, wrapped)
	if err != nil {
		return failed(d.classify(err, KindSession), err)
	}

	return Outcome{
		ExitCode: exitCode,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}
}

func (d *Dispatcher) classify(err error, fallback FailureKind) FailureKind {
	if c, ok := d.transport.(Classifier); ok {
		if k := c.Classify(err); k != KindUnknown {
			return k
		}
	}
	return fallback
}

func newRunID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
