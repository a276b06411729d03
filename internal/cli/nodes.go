package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newNodesCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the configured node inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cfg.Nodes) == 0 {
				fmt.Fprintln(out, "no nodes configured")
				return nil
			}

			groupsOf := make(map[string][]string)
			for name, members := range cfg.Groups {
				for _, m := range members {
					groupsOf[m] = append(groupsOf[m], name)
				}
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPUBLIC\tPRIVATE\tGROUPS")
			for _, n := range cfg.Nodes {
				groups := groupsOf[n.Name]
				sort.Strings(groups)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					n.Name, dash(n.PublicIP), dash(n.PrivateIP), dash(strings.Join(groups, ",")))
			}
			return tw.Flush()
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
