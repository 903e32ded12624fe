package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return exitWith(ExitConfig, err)
			}

			body := map[string]string{"reason": reason}
			if err := client.do("POST", "/v1/workflows/"+args[0]+"/cancel", body, nil); err != nil {
				return err
			}
			fmt.Printf("workflow %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled from workflowctl", "reason recorded with the cancellation")

	return cmd
}
