package cli

import (
	"fmt"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/agent462/fleetrun/internal/config"
	"github.com/agent462/fleetrun/internal/dispatch"
	"github.com/agent462/fleetrun/internal/pathutil"
	"github.com/agent462/fleetrun/internal/report"
	"github.com/agent462/fleetrun/internal/ssh"
)

type runOptions struct {
	nodes         []string
	group         string
	user          string
	identity      string
	acceptUnknown bool
	hostOverride  string
	privateIP     bool
	concurrency   int
	json          bool
	errorsOnly    bool
	noColor       bool
	progress      bool
}

// newTransport is replaced in tests.
var newTransport = func(conf ssh.ClientConfig) dispatch.Transport {
	return ssh.NewTransport(conf)
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command>",
		Short: "Run a shell command on every selected node",
		Example: `  fleetrun run -- uptime
  fleetrun run -g workers --private-ip -- 'df -h /'
  fleetrun run --node web=203.0.113.10,10.0.0.10 --json -- hostname`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runCommand(cmd, cfg, opts, strings.Join(args, " "))
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&opts.nodes, "node", nil, "node to target as name=public[,private] or an address (repeatable)")
	f.StringVarP(&opts.group, "group", "g", "", "node group from the config")
	f.StringVarP(&opts.user, "user", "u", "", "remote login user")
	f.StringVarP(&opts.identity, "identity", "i", "", "private key file")
	f.BoolVar(&opts.acceptUnknown, "accept-unknown-hosts", false, "trust hosts missing from known_hosts")
	f.StringVar(&opts.hostOverride, "host-override", "", "connect every node to this address instead")
	f.BoolVar(&opts.privateIP, "private-ip", false, "connect on private addresses")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 0, "nodes to run at once (1 runs them in order)")
	f.BoolVar(&opts.json, "json", false, "print results as JSON keyed by address")
	f.BoolVar(&opts.errorsOnly, "errors-only", false, "only show failed and non-zero results")
	f.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	f.BoolVar(&opts.progress, "progress", false, "show a progress bar on stderr")

	return cmd
}

func runCommand(cmd *cobra.Command, cfg *config.Config, opts *runOptions, command string) error {
	nodes, err := config.ResolveNodes(cfg, opts.group, opts.nodes)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes to run on; add nodes to the config or pass --node")
	}

	dc, err := cfg.DispatchConfig()
	if err != nil {
		return err
	}
	dc.Nodes = nodes

	flags := cmd.Flags()
	if flags.Changed("user") {
		dc.User = opts.user
	}
	if flags.Changed("identity") {
		dc.PrivateKeyPath = pathutil.ExpandHome(opts.identity)
	}
	if opts.acceptUnknown {
		dc.HostKeyPolicy = dispatch.AcceptUnknown
	}
	if flags.Changed("host-override") {
		dc.HostOverride = opts.hostOverride
	}
	if flags.Changed("concurrency") {
		if opts.concurrency < 0 {
			return fmt.Errorf("--concurrency must be non-negative, got %d", opts.concurrency)
		}
		dc.Concurrency = opts.concurrency
	}

	var execOpts []dispatch.ExecOption
	if flags.Changed("private-ip") {
		execOpts = append(execOpts, dispatch.WithPrivateIP(opts.privateIP))
	}

	stderr := cmd.ErrOrStderr()
	if opts.progress && isTerminal(stderr) {
		bar := progressbar.NewOptions(len(nodes),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("dispatching"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		execOpts = append(execOpts, dispatch.WithObserver(func(string, dispatch.Outcome) {
			bar.Add(1)
		}))
		defer bar.Finish()
	}

	d := dispatch.New(newTransport(cfg.SSHConfig()), dc)
	results := d.Execute(cmd.Context(), command, execOpts...)

	stdout := cmd.OutOrStdout()
	jsonOut := opts.json || cfg.Output == "json"
	color := !opts.noColor && !jsonOut && isTerminal(stdout)
	out, err := report.NewFormatter(jsonOut, opts.errorsOnly, color).Render(results)
	if err != nil {
		return fmt.Errorf("render results: %w", err)
	}
	fmt.Fprint(stdout, out)

	if bad := unsuccessful(results); bad > 0 {
		log.Infof("%d of %d hosts did not succeed", bad, len(results))
		return fmt.Errorf("%d of %d hosts did not succeed", bad, len(results))
	}
	return nil
}

func unsuccessful(results dispatch.Results) int {
	n := 0
	for _, o := range results {
		if o.Failed() || o.ExitCode != 0 {
			n++
		}
	}
	return n
}
