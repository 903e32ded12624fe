package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/conductor/common/workflow"
)

// workflowRecord mirrors the fields of the orchestrator's workflow
// resource this command reads.
type workflowRecord struct {
	WorkflowID   string         `json:"workflow_id"`
	Status       string         `json:"status"`
	CurrentStage string         `json:"current_stage"`
	Progress     float64        `json:"progress"`
	Output       map[string]any `json:"output"`
	Error        string         `json:"error"`
}

func newRunCmd() *cobra.Command {
	var (
		workflowType string
		inputJSON    string
		timeout      time.Duration
		pollEvery    time.Duration
		noWait       bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Submit a workflow and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return exitWith(ExitValidation, err)
			}

			input := map[string]any{}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return exitWith(ExitValidation, fmt.Errorf("invalid --input JSON: %w", err))
				}
			}

			client, err := newAPIClient()
			if err != nil {
				return exitWith(ExitConfig, err)
			}

			var created struct {
				WorkflowID string `json:"workflow_id"`
			}
			body := map[string]any{
				"definition":    def,
				"workflow_type": workflowType,
				"input":         input,
				"auto_start":    true,
			}
			if err := client.do("POST", "/v1/workflows", body, &created); err != nil {
				return err
			}
			fmt.Printf("workflow %s started\n", created.WorkflowID)

			if noWait {
				return nil
			}
			return waitForWorkflow(client, created.WorkflowID, timeout, pollEvery)
		},
	}

	cmd.Flags().StringVar(&workflowType, "type", "", "workflow type recorded with the execution")
	cmd.Flags().StringVar(&inputJSON, "input", "", "initial workflow input as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for a terminal status")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", 2*time.Second, "status poll interval")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "submit and exit without waiting")

	return cmd
}

func waitForWorkflow(client *apiClient, workflowID string, timeout, pollEvery time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastStage := ""

	for {
		var rec workflowRecord
		if err := client.do("GET", "/v1/workflows/"+workflowID, nil, &rec); err != nil {
			return err
		}

		if rec.CurrentStage != lastStage {
			lastStage = rec.CurrentStage
			fmt.Fprintf(os.Stderr, "stage=%s progress=%.0f%%\n", rec.CurrentStage, rec.Progress)
		}

		switch rec.Status {
		case "succeeded":
			printOutput(rec.Output)
			return nil
		case "failed":
			return exitWith(ExitValidation, fmt.Errorf("workflow %s failed: %s", workflowID, rec.Error))
		case "cancelled":
			return exitWith(ExitCancelled, fmt.Errorf("workflow %s was cancelled", workflowID))
		}

		if time.Now().After(deadline) {
			return exitWith(ExitTimeout, fmt.Errorf("workflow %s did not finish within %s (last status %s)",
				workflowID, timeout, rec.Status))
		}
		time.Sleep(pollEvery)
	}
}

func printOutput(output map[string]any) {
	if len(output) == 0 {
		return
	}
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
