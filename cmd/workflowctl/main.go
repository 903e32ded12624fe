package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes
const (
	ExitOK         = 0
	ExitValidation = 1
	ExitConfig     = 2
	ExitConnection = 3
	ExitTimeout    = 4
	ExitCancelled  = 5
)

// exitError carries an exit code through cobra's error return
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		code := ExitValidation
		if ee, ok := err.(*exitError); ok {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Operate conductor workflows from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("server", "http://localhost:8080", "orchestrator base URL")
	root.PersistentFlags().String("platform-id", "", "value for the X-Platform-ID header")

	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("platform-id", root.PersistentFlags().Lookup("platform-id"))

	root.AddCommand(newValidateCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newCancelCmd())

	return root
}
