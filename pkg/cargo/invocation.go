// Package cargo drives cargo for the replay: it builds the command line for
// each build mode, applies scoped Cargo.toml changes, and turns a finished
// invocation into parsed build or test results.
package cargo

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Mode selects how a build uses the incremental cache.
type Mode int

const (
	// Normal builds from scratch with incremental compilation disabled.
	Normal Mode = iota
	// IncrementalShared reuses the cache shared by every commit of the run.
	IncrementalShared
	// IncrementalFresh uses a cache directory created empty for this build.
	IncrementalFresh
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case IncrementalShared:
		return "incremental"
	case IncrementalFresh:
		return "incremental-from-scratch"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Incremental reports whether the mode passes a cache directory.
func (m Mode) Incremental() bool { return m != Normal }

// Scope selects which crates are compiled incrementally.
type Scope int

const (
	// AllDeps passes the incremental flags through RUSTFLAGS, so every crate
	// including dependencies uses the cache.
	AllDeps Scope = iota
	// CurrentProject passes the flags to the final rustc invocation only.
	CurrentProject
)

// Invocation describes one cargo run. It is built per stage and discarded.
type Invocation struct {
	Mode      Mode
	Scope     Scope
	TargetDir string
	CacheDir  string // required for incremental modes

	// EvidenceDir receives status/stdout/stderr. Empty when output is
	// streamed to the terminal instead.
	EvidenceDir string
}

func (inv Invocation) validate() error {
	if inv.TargetDir == "" {
		return fmt.Errorf("invocation: target directory is required")
	}
	if inv.Mode.Incremental() && inv.CacheDir == "" {
		return fmt.Errorf("invocation: %s mode requires a cache directory", inv.Mode)
	}
	return nil
}

// incrementalFlags are the compiler flags naming the cache directory.
func incrementalFlags(cacheDir string) []string {
	return []string{"-Z", "incremental=" + cacheDir, "-Z", "incremental-info"}
}

func rustflagsWith(cacheDir, existing string) string {
	flags := strings.Join(incrementalFlags(cacheDir), " ")
	if strings.TrimSpace(existing) == "" {
		return flags
	}
	return flags + " " + existing
}

// buildCommand returns the cargo command for a build in the given mode.
func (t *Toolchain) buildCommand(inv Invocation) *exec.Cmd {
	var args []string
	env := t.baseEnv(inv)
	switch {
	case !inv.Mode.Incremental():
		args = []string{"build", "-v"}
	case inv.Scope == CurrentProject:
		args = append([]string{"rustc", "-v", "--"}, incrementalFlags(inv.CacheDir)...)
	default:
		args = []string{"build", "-v"}
		env = append(env, "RUSTFLAGS="+rustflagsWith(inv.CacheDir, t.RustFlags))
	}
	return t.command(args, env)
}

// testCommand returns the cargo command for a test run. Incremental test
// runs always pass the flags through RUSTFLAGS: `cargo rustc` cannot run
// tests.
func (t *Toolchain) testCommand(inv Invocation) *exec.Cmd {
	env := t.baseEnv(inv)
	if inv.Mode.Incremental() {
		env = append(env, "RUSTFLAGS="+rustflagsWith(inv.CacheDir, t.RustFlags))
	}
	return t.command([]string{"test"}, env)
}

func (t *Toolchain) baseEnv(inv Invocation) []string {
	env := make([]string, 0, 3)
	env = append(env, "CARGO_TARGET_DIR="+inv.TargetDir)
	if !inv.Mode.Incremental() {
		// cargo's own incremental mode would make the normal build reuse state.
		env = append(env, "CARGO_INCREMENTAL=0")
	}
	return env
}

func (t *Toolchain) command(args, env []string) *exec.Cmd {
	bin := t.Cargo
	if bin == "" {
		bin = "cargo"
	}
	cmd := exec.Command(bin, args...)
	cmd.Dir = t.ProjectDir
	cmd.Env = append(os.Environ(), env...)
	return cmd
}
