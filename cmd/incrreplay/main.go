package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and is the only place that reports fatal
// errors.
func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadEnvConfig()
	if err != nil {
		printError(stderr, err)
		return 1
	}

	// The replay checks for an interrupt between stages.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(cfg)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(stderr, err)
		return 1
	}
	return 0
}

func newRootCmd(cfg envConfig) *cobra.Command {
	root := &cobra.Command{
		Use:           "incrreplay",
		Short:         "Differential testing of cargo's incremental builds over git history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newReplayCmd(cfg))
	root.AddCommand(newBuildCmd(cfg))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "incrreplay %s\n", version)
		},
	}
}
