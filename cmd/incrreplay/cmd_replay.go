package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/incrreplay/pkg/cargo"
	"github.com/odvcencio/incrreplay/pkg/linearize"
	"github.com/odvcencio/incrreplay/pkg/logger"
	"github.com/odvcencio/incrreplay/pkg/replay"
	"github.com/odvcencio/incrreplay/pkg/runner"
	"github.com/odvcencio/incrreplay/pkg/vcs"
)

func newReplayCmd(cfg envConfig) *cobra.Command {
	var (
		manifest         string
		workDir          string
		justCurrent      bool
		live             bool
		skipTests        bool
		noDebugInfo      bool
		compressEvidence bool
		checkoutSpacing  time.Duration
		verbose          bool
	)

	cmd := &cobra.Command{
		Use:   "replay <range>",
		Short: "Build and test every commit of a range in normal and incremental mode",
		Long: `Replay checks out every commit of <range> (for example HEAD~5..HEAD, or a
single revision for its whole history), builds and tests it with cargo in
normal and in incremental mode, and stops at the first difference.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd, cfg.LogLevel, verbose)
			if err != nil {
				return err
			}

			projectDir, err := cargo.CheckManifest(manifest)
			if err != nil {
				return err
			}
			repo, err := vcs.Open(manifest)
			if err != nil {
				return err
			}

			absWork, err := filepath.Abs(workDir)
			if err != nil {
				return fmt.Errorf("work directory: %w", err)
			}
			lock, err := lockWorkDir(absWork)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			if err := repo.CheckClean(absWork, lock.Path()); err != nil {
				return err
			}

			start, end, err := repo.ResolveRange(args[0])
			if err != nil {
				return err
			}
			plan, err := linearize.Linearize(start, end)
			if err != nil {
				return err
			}
			log.Info("replay plan", "range", args[0], "commits", len(plan), "work_dir", absWork)

			scope := cargo.AllDeps
			if justCurrent {
				scope = cargo.CurrentProject
			}
			toolchain := &cargo.Toolchain{
				ProjectDir:       projectDir,
				Cargo:            cfg.CargoBin,
				RustFlags:        cfg.RustFlags,
				CompressEvidence: compressEvidence,
				Runner: &runner.Runner{
					Stream: live,
					Stdout: cmd.OutOrStdout(),
					Stderr: cmd.ErrOrStderr(),
					Logger: log,
				},
			}

			rcfg := replay.DefaultConfig(absWork)
			rcfg.Scope = scope
			rcfg.Live = live
			rcfg.SkipTests = skipTests
			rcfg.NoDebugInfo = noDebugInfo
			rcfg.CheckoutSpacing = checkoutSpacing

			progress := newProgressReporter(cmd.ErrOrStderr(), live)
			replayer := &replay.Replayer{
				Repo:      repo,
				Toolchain: toolchain,
				Config:    rcfg,
				Progress:  progress,
				Logger:    log,
			}

			started := time.Now()
			summary, runErr := replayer.Run(cmd.Context(), plan)
			progress.Finish(runErr == nil)
			if summary != nil {
				rep := newReport(args[0], manifest, started, summary, runErr)
				if err := writeReport(rcfg.WorkDir, rep); err != nil {
					log.Warn("could not write report", "err", err)
				}
			}
			if runErr != nil {
				return runErr
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			if err := summary.WriteReport(out); err != nil {
				return err
			}
			fmt.Fprintln(out, newStyles(out).Success.Render("incremental and normal builds agree"))
			return nil
		},
	}

	cmd.Flags().StringVar(&manifest, "cargo", cfg.Cargo, "path to Cargo.toml")
	cmd.Flags().StringVar(&workDir, "work-dir", cfg.WorkDir, "directory where we can do our work")
	cmd.Flags().BoolVar(&justCurrent, "just-current", false, "compile only the current project incrementally, not its dependencies")
	cmd.Flags().BoolVar(&live, "live", cfg.Live, "stream cargo output instead of saving it under the work directory")
	cmd.Flags().BoolVar(&skipTests, "skip-tests", false, "do not run cargo test")
	cmd.Flags().BoolVar(&noDebugInfo, "no-debuginfo", false, "disable debug info in Cargo.toml while building each commit")
	cmd.Flags().BoolVar(&compressEvidence, "compress-evidence", false, "store captured stdout and stderr zstd-compressed")
	cmd.Flags().DurationVar(&checkoutSpacing, "checkout-spacing", cfg.CheckoutSpacing, "minimum time between two checkouts")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every stage")
	return cmd
}

func newLogger(cmd *cobra.Command, levelName string, verbose bool) (*slog.Logger, error) {
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	return logger.New(cmd.ErrOrStderr(), level), nil
}

// lockWorkDir takes an exclusive lock beside the work directory so two runs
// cannot share it.
func lockWorkDir(workDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return nil, fmt.Errorf("lock work directory: %w", err)
	}
	lock := flock.New(filepath.Clean(workDir) + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock work directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("work directory `%s` is in use by another incrreplay process", workDir)
	}
	return lock, nil
}

type report struct {
	Range        string          `yaml:"range"`
	Manifest     string          `yaml:"manifest"`
	StartedAt    time.Time       `yaml:"started_at"`
	Duration     string          `yaml:"duration"`
	Result       string          `yaml:"result"`
	Abort        *abortReport    `yaml:"abort,omitempty"`
	Error        string          `yaml:"error,omitempty"`
	Summary      *replay.Summary `yaml:"summary"`
	Ratio        string          `yaml:"normal_incremental_ratio"`
	ReusePercent string          `yaml:"reuse_percent"`
}

type abortReport struct {
	Commit string `yaml:"commit"`
	Index  int    `yaml:"index"`
	Stage  string `yaml:"stage"`
}

func newReport(rangeSpec, manifest string, started time.Time, s *replay.Summary, runErr error) report {
	rep := report{
		Range:        rangeSpec,
		Manifest:     manifest,
		StartedAt:    started.UTC().Truncate(time.Second),
		Duration:     time.Since(started).Round(time.Millisecond).String(),
		Result:       "passed",
		Summary:      s,
		Ratio:        s.RatioText(),
		ReusePercent: s.ReusePercentText(),
	}
	if runErr != nil {
		rep.Result = "failed"
		rep.Error = runErr.Error()
		var abort *replay.AbortError
		if errors.As(runErr, &abort) {
			rep.Result = "aborted"
			rep.Abort = &abortReport{Commit: abort.Commit, Index: abort.Index, Stage: abort.Stage.String()}
		}
	}
	return rep
}

func writeReport(workDir string, rep report) error {
	data, err := yaml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	path := replay.Layout{Root: workDir}.Report()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
