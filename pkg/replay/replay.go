// Package replay drives the differential replay: for every commit of a plan
// it builds and tests the project in normal and incremental mode, and stops
// at the first disagreement between the two.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/incrreplay/pkg/buildlog"
	"github.com/odvcencio/incrreplay/pkg/cachecmp"
	"github.com/odvcencio/incrreplay/pkg/cargo"
	"github.com/odvcencio/incrreplay/pkg/linearize"
)

// Repository moves the working tree between commits.
type Repository interface {
	Checkout(ctx context.Context, id string) error
	ResetHard(ctx context.Context, id string) error
}

// Toolchain runs and parses builds and tests of the checked-out project.
// *cargo.Toolchain implements it.
type Toolchain interface {
	Build(inv cargo.Invocation, stats *buildlog.CompilationStats) (*buildlog.BuildResult, error)
	Test(inv cargo.Invocation) (*buildlog.TestResult, error)
	LimitDebugInfo() error
}

// Comparer checks a tested cache tree against a reference tree.
type Comparer interface {
	Compare(reference, tested string, opts cachecmp.Options) error
}

// ComparerFunc adapts a function, such as cachecmp.Compare, to Comparer.
type ComparerFunc func(reference, tested string, opts cachecmp.Options) error

func (f ComparerFunc) Compare(reference, tested string, opts cachecmp.Options) error {
	return f(reference, tested, opts)
}

// Progress is told when each stage starts.
type Progress interface {
	Report(pos Position)
}

// Replayer replays a plan. Repo and Toolchain are required; a nil Comparer
// uses cachecmp.Compare.
type Replayer struct {
	Repo      Repository
	Toolchain Toolchain
	Comparer  Comparer
	Config    Config
	Progress  Progress
	Logger    *slog.Logger
}

// Run replays every commit of plan in order. A finding or failure ends the
// run with an *AbortError; the work directory is left as it was for
// inspection. The returned summary covers the commits replayed so far.
func (r *Replayer) Run(ctx context.Context, plan []linearize.Node) (*Summary, error) {
	if r.Repo == nil || r.Toolchain == nil {
		return nil, errors.New("replay: repository and toolchain are required")
	}
	if len(plan) == 0 {
		return nil, errors.New("replay: empty plan")
	}
	if r.Config.WorkDir == "" {
		return nil, errors.New("replay: work directory is required")
	}

	s := &session{
		Replayer: r,
		layout:   Layout{Root: r.Config.WorkDir},
		plan:     plan,
		summary:  &Summary{},
	}
	if err := s.layout.Reset(); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	for i, node := range plan {
		if err := s.replayCommit(ctx, i, node); err != nil {
			s.finish()
			return s.summary, err
		}
		s.summary.Commits++
	}

	if s.mutated != "" {
		if err := r.Repo.ResetHard(ctx, s.mutated); err != nil {
			return s.summary, fmt.Errorf("replay: revert Cargo.toml of %s: %w", s.mutated, err)
		}
		s.mutated = ""
	}
	s.finish()

	if s.normal.ModulesReused > 0 {
		return s.summary, fmt.Errorf("%w: %d of %d modules", ErrNormalBuildReused, s.normal.ModulesReused, s.normal.ModulesTotal)
	}
	return s.summary, nil
}

// session is the mutable state of one Run.
type session struct {
	*Replayer
	layout Layout
	plan   []linearize.Node

	normal      buildlog.CompilationStats
	incremental buildlog.CompilationStats
	summary     *Summary

	// mutated is the commit whose Cargo.toml was rewritten and not yet
	// restored.
	mutated      string
	lastCheckout time.Time
}

func (s *session) finish() {
	s.summary.NormalBuildTime = s.normal.BuildTime
	s.summary.IncrementalBuildTime = s.incremental.BuildTime
	s.summary.ModulesReused = s.incremental.ModulesReused
	s.summary.ModulesTotal = s.incremental.ModulesTotal
}

func (s *session) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// commitRun carries what the stages of one commit share.
type commitRun struct {
	index int
	node  linearize.Node
}

func (s *session) abort(c commitRun, stage Stage, err error, sides ...Side) error {
	return &AbortError{Stage: stage, Index: c.index, Commit: c.node.ShortID(), Err: err, Sides: sides}
}

func (s *session) enter(ctx context.Context, c commitRun, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return s.abort(c, stage, err)
	}
	pos := Position{Index: c.index, Total: len(s.plan), Commit: c.node.ShortID(), Stage: stage}
	if s.Progress != nil {
		s.Progress.Report(pos)
	}
	s.logger().Debug("stage", "commit", pos.Commit, "index", c.index, "stage", stage.String())
	return nil
}

func (s *session) invocation(c commitRun, stage Stage, mode cargo.Mode, targetDir, cacheDir string) cargo.Invocation {
	inv := cargo.Invocation{Mode: mode, Scope: s.Config.Scope, TargetDir: targetDir, CacheDir: cacheDir}
	if !s.Config.Live {
		inv.EvidenceDir = s.layout.Evidence(c.index, c.node.ShortID(), stage.evidenceSlug())
	}
	return inv
}

func (s *session) replayCommit(ctx context.Context, index int, node linearize.Node) error {
	c := commitRun{index: index, node: node}
	s.logger().Info("replaying commit", "index", index, "commit", node.ShortID(), "of", len(s.plan))

	if err := s.checkout(ctx, c); err != nil {
		return err
	}

	if err := s.enter(ctx, c, StageNormalBuild); err != nil {
		return err
	}
	normalBuild, err := s.Toolchain.Build(s.invocation(c, StageNormalBuild, cargo.Normal, s.layout.TargetNormal(), ""), &s.normal)
	if err != nil {
		return s.abort(c, StageNormalBuild, err)
	}

	if err := s.enter(ctx, c, StageIncrementalBuild); err != nil {
		return err
	}
	incrBuild, err := s.Toolchain.Build(s.invocation(c, StageIncrementalBuild, cargo.IncrementalShared, s.layout.TargetIncremental(), s.layout.Cache()), &s.incremental)
	if err != nil {
		return s.abort(c, StageIncrementalBuild, err)
	}

	if err := s.enter(ctx, c, StageCompareBuild); err != nil {
		return err
	}
	if !normalBuild.Equal(incrBuild) {
		return s.abort(c, StageCompareBuild, ErrBuildMismatch,
			Side{Label: "normal build", Raw: normalBuild.Raw},
			Side{Label: "incremental build", Raw: incrBuild.Raw})
	}

	if !s.Config.SkipTests {
		if err := s.runTests(ctx, c); err != nil {
			return err
		}
	}

	if !incrBuild.Success {
		s.logger().Debug("incremental build failed; skipping cache checks", "commit", node.ShortID())
		return nil
	}
	if err := s.checkFullReuse(ctx, c); err != nil {
		return err
	}
	return s.checkFromScratch(ctx, c)
}

// checkout waits out the checkout spacing, restores a rewritten manifest,
// checks out the commit and applies the debug-info reduction.
func (s *session) checkout(ctx context.Context, c commitRun) error {
	if err := s.enter(ctx, c, StageCheckout); err != nil {
		return err
	}
	if err := s.throttle(ctx); err != nil {
		return s.abort(c, StageCheckout, err)
	}
	if s.mutated != "" {
		if err := s.Repo.ResetHard(ctx, s.mutated); err != nil {
			return s.abort(c, StageCheckout, fmt.Errorf("revert Cargo.toml: %w", err))
		}
		s.mutated = ""
	}
	if err := s.Repo.Checkout(ctx, c.node.ID()); err != nil {
		return s.abort(c, StageCheckout, err)
	}
	s.lastCheckout = time.Now()

	if s.Config.NoDebugInfo {
		s.mutated = c.node.ID()
		if err := s.Toolchain.LimitDebugInfo(); err != nil {
			return s.abort(c, StageCheckout, err)
		}
	}
	return nil
}

func (s *session) throttle(ctx context.Context) error {
	if s.Config.CheckoutSpacing <= 0 || s.lastCheckout.IsZero() {
		return nil
	}
	wait := s.Config.CheckoutSpacing - time.Since(s.lastCheckout)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *session) runTests(ctx context.Context, c commitRun) error {
	if err := s.enter(ctx, c, StageNormalTest); err != nil {
		return err
	}
	normalTest, err := s.Toolchain.Test(s.invocation(c, StageNormalTest, cargo.Normal, s.layout.TargetNormal(), ""))
	if err != nil {
		return s.abort(c, StageNormalTest, err)
	}

	if err := s.enter(ctx, c, StageIncrementalTest); err != nil {
		return err
	}
	incrTest, err := s.Toolchain.Test(s.invocation(c, StageIncrementalTest, cargo.IncrementalShared, s.layout.TargetIncremental(), s.layout.Cache()))
	if err != nil {
		return s.abort(c, StageIncrementalTest, err)
	}

	if err := s.enter(ctx, c, StageCompareTest); err != nil {
		return err
	}
	if !normalTest.Equal(incrTest) {
		return s.abort(c, StageCompareTest, ErrTestMismatch,
			Side{Label: "normal test", Raw: normalTest.Raw},
			Side{Label: "incremental test", Raw: incrTest.Raw})
	}

	s.summary.TestsTotal += len(normalTest.Cases)
	s.summary.TestsPassed += normalTest.Passed()
	return nil
}

// checkFullReuse rebuilds with the shared cache into an emptied output
// directory. Nothing changed since the incremental build, so every module
// must be reused.
func (s *session) checkFullReuse(ctx context.Context, c commitRun) error {
	if err := s.enter(ctx, c, StageFullReuse); err != nil {
		return err
	}
	if err := recreate(s.layout.TargetIncremental()); err != nil {
		return s.abort(c, StageFullReuse, err)
	}

	var stats buildlog.CompilationStats
	res, err := s.Toolchain.Build(s.invocation(c, StageFullReuse, cargo.IncrementalShared, s.layout.TargetIncremental(), s.layout.Cache()), &stats)
	if err != nil {
		return s.abort(c, StageFullReuse, err)
	}
	side := Side{Label: "incremental rebuild", Raw: res.Raw}
	if !res.Success {
		return s.abort(c, StageFullReuse, ErrRebuildFailed, side)
	}
	if stats.ModulesReused != stats.ModulesTotal {
		return s.abort(c, StageFullReuse, &IncompleteReuseError{Reused: stats.ModulesReused, Total: stats.ModulesTotal}, side)
	}
	return nil
}

// checkFromScratch builds the commit into an empty cache and requires the
// result to match the cache accumulated across the run.
func (s *session) checkFromScratch(ctx context.Context, c commitRun) error {
	if err := s.enter(ctx, c, StageFromScratch); err != nil {
		return err
	}
	for _, dir := range []string{s.layout.TargetFromScratch(), s.layout.CacheFromScratch()} {
		if err := recreate(dir); err != nil {
			return s.abort(c, StageFromScratch, err)
		}
	}

	var stats buildlog.CompilationStats
	res, err := s.Toolchain.Build(s.invocation(c, StageFromScratch, cargo.IncrementalFresh, s.layout.TargetFromScratch(), s.layout.CacheFromScratch()), &stats)
	if err != nil {
		return s.abort(c, StageFromScratch, err)
	}
	if !res.Success {
		return s.abort(c, StageFromScratch, ErrRebuildFailed, Side{Label: "from-scratch build", Raw: res.Raw})
	}

	opts := cachecmp.Options{MatchBySuffix: true, ArtifactPatterns: s.Config.ArtifactPatterns}
	if err := s.comparer().Compare(s.layout.CacheFromScratch(), s.layout.Cache(), opts); err != nil {
		return s.abort(c, StageFromScratch, err)
	}
	return nil
}

func (s *session) comparer() Comparer {
	if s.Comparer == nil {
		return ComparerFunc(cachecmp.Compare)
	}
	return s.Comparer
}
