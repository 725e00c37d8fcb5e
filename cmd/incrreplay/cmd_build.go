package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/incrreplay/pkg/buildlog"
	"github.com/odvcencio/incrreplay/pkg/cargo"
	"github.com/odvcencio/incrreplay/pkg/runner"
	"github.com/odvcencio/incrreplay/pkg/vcs"
)

func newBuildCmd(cfg envConfig) *cobra.Command {
	var (
		manifest    string
		justCurrent bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Checkpoint the working tree and build it incrementally",
		Long: `Build commits the current content of all tracked files to the
` + vcs.CheckpointBranch + ` branch, so a crashing build can be reproduced
later, then runs one incremental cargo build with live output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			projectDir, err := cargo.CheckManifest(manifest)
			if err != nil {
				return err
			}
			repo, err := vcs.Open(manifest)
			if err != nil {
				return err
			}
			if err := repo.CheckUntracked(".rs"); err != nil {
				return err
			}

			head, err := repo.Head()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "head is: %s\n", head)

			fmt.Fprintln(out, "committing checkpoint")
			id, err := repo.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "checkpoint %s on %s\n", id, vcs.CheckpointBranch)

			scope := cargo.AllDeps
			if justCurrent {
				scope = cargo.CurrentProject
			}
			toolchain := &cargo.Toolchain{
				ProjectDir: projectDir,
				Cargo:      cfg.CargoBin,
				RustFlags:  cfg.RustFlags,
				Runner:     &runner.Runner{Stream: true, Stdout: out, Stderr: cmd.ErrOrStderr()},
			}
			inv := cargo.Invocation{
				Mode:      cargo.IncrementalShared,
				Scope:     scope,
				TargetDir: filepath.Join(projectDir, "target"),
				CacheDir:  filepath.Join(projectDir, "build-cache"),
			}

			fmt.Fprintln(out, "Building..")
			var stats buildlog.CompilationStats
			res, err := toolchain.Build(inv, &stats)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("cargo build failed (%s)", res.Raw.Status)
			}
			fmt.Fprintf(out, "built in %.2fs, re-used %d of %d modules\n", stats.BuildTime, stats.ModulesReused, stats.ModulesTotal)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifest, "cargo", cfg.Cargo, "path to Cargo.toml")
	cmd.Flags().BoolVar(&justCurrent, "just-current", false, "compile only the current project incrementally, not its dependencies")
	return cmd
}
