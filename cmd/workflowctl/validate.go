package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyzr/conductor/common/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return exitWith(ExitValidation, err)
			}

			fmt.Printf("%s is valid: %d stages, start_stage=%s, agent types: %v\n",
				args[0], len(def.Stages), def.StartStage, def.AgentTypes())
			return nil
		},
	}
}
