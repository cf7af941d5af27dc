package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/miyabi-org/miyabi/internal/build"
	"github.com/miyabi-org/miyabi/internal/cmd"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Miyabi is an autonomous development coordinator",
	Long: `Miyabi is an autonomous development coordinator.

It treats the repository's issues, labels, and pull requests as a state
machine: each open work item carries exactly one state label, and a pool of
specialized agents (coordinator, issue, codegen, review, pr, deploy, test)
moves items through the states. The supervisor loop watches the repository
and keeps the most urgent item moving; because all progress lives in labels,
any run can resume where the previous one stopped.
`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.Status())
	rootCmd.AddCommand(cmd.Agent())
	rootCmd.AddCommand(cmd.Auto())
	rootCmd.AddCommand(cmd.Todos())
	rootCmd.AddCommand(cmd.Login())
	rootCmd.AddCommand(cmd.Upgrade())
	rootCmd.AddCommand(cmd.Version())

	build.Version = version
}

var version = "0.0.0"
