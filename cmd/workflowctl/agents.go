package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/conductor/common/registry"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return exitWith(ExitConfig, err)
			}

			var resp struct {
				Agents []*registry.Entry `json:"agents"`
			}
			if err := client.do("GET", "/v1/agents", nil, &resp); err != nil {
				return err
			}

			if len(resp.Agents) == 0 {
				fmt.Println("no agents registered")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT ID\tTYPE\tVERSION\tSTATUS\tCAPABILITIES\tLAST HEARTBEAT")
			for _, a := range resp.Agents {
				heartbeat := "-"
				if !a.LastHeartbeat.IsZero() {
					heartbeat = time.Since(a.LastHeartbeat).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					a.AgentID, a.AgentType, a.Version, a.Status,
					strings.Join(a.Capabilities, ","), heartbeat)
			}
			return w.Flush()
		},
	}
}
