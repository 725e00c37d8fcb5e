package cargo

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/odvcencio/incrreplay/pkg/buildlog"
	"github.com/odvcencio/incrreplay/pkg/runner"
)

// Toolchain runs cargo for one project and parses what it prints.
type Toolchain struct {
	// ProjectDir is the directory holding Cargo.toml.
	ProjectDir string

	// Cargo is the cargo binary; empty means "cargo" from PATH.
	Cargo string

	// RustFlags is the caller's RUSTFLAGS, appended after the incremental
	// flags.
	RustFlags string

	Runner *runner.Runner

	// CompressEvidence stores evidence streams zstd-compressed.
	CompressEvidence bool
}

// Build runs a build, records its evidence, and adds its statistics to stats.
func (t *Toolchain) Build(inv Invocation, stats *buildlog.CompilationStats) (*buildlog.BuildResult, error) {
	if err := inv.validate(); err != nil {
		return nil, err
	}
	out, err := t.run(inv, t.buildCommand(inv))
	if err != nil {
		return nil, fmt.Errorf("cargo build (%s): %w", inv.Mode, err)
	}
	res, err := buildlog.ParseBuild(out, stats)
	if err != nil {
		return nil, fmt.Errorf("cargo build (%s): %w", inv.Mode, err)
	}
	return res, nil
}

// Test runs the test suite and records its evidence.
func (t *Toolchain) Test(inv Invocation) (*buildlog.TestResult, error) {
	if err := inv.validate(); err != nil {
		return nil, err
	}
	out, err := t.run(inv, t.testCommand(inv))
	if err != nil {
		return nil, fmt.Errorf("cargo test (%s): %w", inv.Mode, err)
	}
	res, err := buildlog.ParseTest(out)
	if err != nil {
		return nil, fmt.Errorf("cargo test (%s): %w", inv.Mode, err)
	}
	return res, nil
}

// LimitDebugInfo applies the scoped debug-info reduction to the project's
// Cargo.toml.
func (t *Toolchain) LimitDebugInfo() error {
	return LimitDebugInfo(filepath.Join(t.ProjectDir, "Cargo.toml"))
}

func (t *Toolchain) run(inv Invocation, cmd *exec.Cmd) (*runner.Output, error) {
	r := t.Runner
	if r == nil {
		r = &runner.Runner{}
	}
	out, err := r.Run(cmd)
	if err != nil {
		return nil, err
	}
	if inv.EvidenceDir != "" {
		if err := runner.SaveEvidence(inv.EvidenceDir, out, t.CompressEvidence); err != nil {
			return nil, err
		}
	}
	return out, nil
}
