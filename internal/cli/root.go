// Package cli wires the fleetrun commands together.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/fleetrun/internal/config"
	"github.com/agent462/fleetrun/internal/ssh"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var log = logging.MustGetLogger("fleetrun/cli")

type globalOptions struct {
	configPath string
	verbose    bool
}

func (g *globalOptions) loadConfig() (*config.Config, error) {
	if g.configPath != "" {
		return config.Load(g.configPath)
	}
	return config.LoadDefault()
}

// NewRootCmd builds the fleetrun command tree.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:           "fleetrun",
		Short:         "Run shell commands across a fleet of nodes over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr(), g.verbose)
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "",
		"config file (default $XDG_CONFIG_HOME/fleetrun/config.yaml)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false,
		"log each connection and command")

	root.AddCommand(newRunCmd(g), newNodesCmd(g), newVersionCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer ssh.CloseAgent()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

const logFormat = `%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`

// setupLogging installs the process-wide go-logging backend. Dispatch and
// transport progress is logged at INFO, so it only shows with -v.
func setupLogging(w io.Writer, verbose bool) {
	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(formatted)
	if verbose {
		leveled.SetLevel(logging.INFO, "")
	} else {
		leveled.SetLevel(logging.WARNING, "")
	}
	logging.SetBackend(leveled)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
