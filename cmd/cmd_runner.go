// cmd_runner.go - Der versteckte runner Command fuer Worker-Prozesse
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sphinx-mllm/sphinx/runner"
)

// newRunnerCmd - Erstellt den versteckten runner Command.
// Die Flags parst runner.Execute selbst.
func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "runner",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner.Execute(args)
		},
	}
}
