package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/odvcencio/incrreplay/pkg/replay"
	"github.com/odvcencio/incrreplay/pkg/runner"
)

const fakeCargoScript = `#!/bin/sh
cache=$(printf '%s' "$RUSTFLAGS" | sed -n 's/.*-Z incremental=\([^ ]*\).*/\1/p')
case "$1" in
build)
  if [ -n "$cache" ]; then
    mkdir -p "$cache/fx-1abc/s-1-aaa-h1"
    printf 'object' > "$cache/fx-1abc/s-1-aaa-h1/fx.o"
    printf 'graph' > "$cache/fx-1abc/s-1-aaa-h1/dep-graph.bin"
    echo "incremental: re-using 1 out of 1 modules" >&2
    if [ -n "$FAKE_DIVERGE" ]; then
      echo "warning: unused variable: ` + "`x`" + `" >&2
      echo "  --> src/lib.rs:3:9" >&2
    fi
  fi
  echo "    Finished dev [unoptimized + debuginfo] target(s) in 0.10 secs" >&2
  ;;
test)
  echo "test it_works ... ok"
  echo "test result: ok. 1 passed; 0 failed; 0 ignored; 0 measured; 0 filtered out"
  ;;
esac
`

// setupProject creates a git repository holding a cargo project with
// three commits and points INCRREPLAY_CARGO_BIN at a fake cargo. Checkouts
// go through the git binary, so it must be installed.
func setupProject(t *testing.T) string {
	t.Helper()
	for _, tool := range []string{"sh", "git"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skip(tool + " not installed")
		}
	}
	bin := filepath.Join(t.TempDir(), "cargo")
	if err := os.WriteFile(bin, []byte(fakeCargoScript), 0o755); err != nil {
		t.Fatalf("write fake cargo: %v", err)
	}
	t.Setenv("INCRREPLAY_CARGO_BIN", bin)
	t.Setenv("RUSTFLAGS", "")
	t.Setenv("FAKE_DIVERGE", "")

	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := r.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	writeFile(t, filepath.Join(dir, "Cargo.toml"), "[package]\nname = \"fx\"\nversion = \"0.1.0\"\n")
	for i, body := range []string{"fn a() {}", "fn b() {}", "fn c() {}"} {
		writeFile(t, filepath.Join(dir, "src", "lib.rs"), body)
		if err := wt.AddGlob("."); err != nil {
			t.Fatalf("AddGlob: %v", err)
		}
		_, err := wt.Commit("commit "+body, &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(int64(1700000000+i), 0)},
		})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	if code != 0 || out != "incrreplay "+version+"\n" {
		t.Fatalf("version = %d %q", code, out)
	}
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("INCRREPLAY_WORK_DIR", "/tmp/w")
	t.Setenv("INCRREPLAY_LIVE", "true")
	t.Setenv("INCRREPLAY_CHECKOUT_SPACING", "250ms")
	t.Setenv("RUSTFLAGS", "-C debuginfo=0")

	cfg, err := loadEnvConfig()
	if err != nil {
		t.Fatalf("loadEnvConfig: %v", err)
	}
	if cfg.WorkDir != "/tmp/w" || !cfg.Live || cfg.CheckoutSpacing != 250*time.Millisecond || cfg.RustFlags != "-C debuginfo=0" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Cargo != "Cargo.toml" {
		t.Fatalf("Cargo default = %q", cfg.Cargo)
	}

	t.Setenv("INCRREPLAY_CHECKOUT_SPACING", "soon")
	if _, err := loadEnvConfig(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestPrintError_DumpsBothSides(t *testing.T) {
	var buf bytes.Buffer
	err := &replay.AbortError{
		Stage:  replay.StageCompareBuild,
		Index:  3,
		Commit: "abc1234",
		Err:    replay.ErrBuildMismatch,
		Sides: []replay.Side{
			{Label: "normal build", Raw: &runner.Output{Status: "exit status: 0", Stderr: []byte("normal stderr\n")}},
			{Label: "incremental build", Raw: &runner.Output{Status: "exit status: 0", Stderr: []byte("incr stderr\n")}},
		},
	}
	printError(&buf, err)

	out := buf.String()
	for _, want := range []string{"normal stderr", "incr stderr", "error: commit 3 (abc1234), compare build output: incremental build differed from normal build"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "incr stderr") > strings.Index(out, "error:") {
		t.Error("dump must precede the error line")
	}
}

func TestProgressReporter_LinePerCommit(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressReporter(&buf, false)
	for _, stage := range []replay.Stage{replay.StageCheckout, replay.StageNormalBuild, replay.StageFromScratch} {
		p.Report(replay.Position{Index: 1, Total: 4, Commit: "abc1234", Stage: stage})
	}
	p.Finish(true)

	if got := buf.String(); got != "[2/4] processing abc1234 (checkout)\n" {
		t.Fatalf("progress output = %q", got)
	}
}

func TestReplay_MissingManifest(t *testing.T) {
	code, _, stderr := runCLI(t, "replay", "--cargo", filepath.Join(t.TempDir(), "Cargo.toml"), "HEAD")
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr, "error:") || !strings.Contains(stderr, "does not lead to a `Cargo.toml` file") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestReplay_RequiresRange(t *testing.T) {
	if code, _, _ := runCLI(t, "replay"); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestReplay_EndToEnd(t *testing.T) {
	dir := setupProject(t)
	work := filepath.Join(t.TempDir(), "work")

	code, stdout, stderr := runCLI(t, "replay",
		"--cargo", filepath.Join(dir, "Cargo.toml"),
		"--work-dir", work,
		"--checkout-spacing", "0s",
		"HEAD~1..HEAD")
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}

	for _, want := range []string{
		"- 2 commits built",
		"- 2 total tests executed (2 of those passed)",
		"- 2 of 2 (or 100%) modules were re-used",
		"- normal/incremental ratio 1.00",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if !strings.Contains(stderr, "[1/2] processing") {
		t.Errorf("stderr missing progress lines:\n%s", stderr)
	}

	report, err := os.ReadFile(filepath.Join(work, "report.yaml"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(report), "result: passed") || !strings.Contains(string(report), "commits: 2") {
		t.Errorf("report.yaml = %s", report)
	}

	matches, err := filepath.Glob(filepath.Join(work, "commits", "0000-*-normal-build", runner.StatusFile))
	if err != nil || len(matches) != 1 {
		t.Fatalf("normal build evidence = %v, %v", matches, err)
	}
}

func TestReplay_WorkDirInsideRepository(t *testing.T) {
	dir := setupProject(t)
	work := filepath.Join(dir, "incr")

	code, stdout, stderr := runCLI(t, "replay",
		"--cargo", filepath.Join(dir, "Cargo.toml"),
		"--work-dir", work,
		"--checkout-spacing", "0s",
		"--skip-tests",
		"HEAD~1..HEAD")
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}

	// Every commit's evidence and the shared cache survive later checkouts.
	for i := range 2 {
		pattern := filepath.Join(work, "commits", fmt.Sprintf("%04d-*-incr-build", i), runner.StatusFile)
		if matches, err := filepath.Glob(pattern); err != nil || len(matches) != 1 {
			t.Errorf("evidence for commit %d = %v, %v", i, matches, err)
		}
	}
	if _, err := os.Stat(filepath.Join(work, "incr", "fx-1abc")); err != nil {
		t.Errorf("shared cache lost: %v", err)
	}
	if _, err := os.Stat(work + ".lock"); err != nil {
		t.Errorf("lock file lost: %v", err)
	}
}

func TestReplay_DivergenceAborts(t *testing.T) {
	dir := setupProject(t)
	t.Setenv("FAKE_DIVERGE", "1")
	work := filepath.Join(t.TempDir(), "work")

	code, _, stderr := runCLI(t, "replay",
		"--cargo", filepath.Join(dir, "Cargo.toml"),
		"--work-dir", work,
		"--checkout-spacing", "0s",
		"--skip-tests",
		"HEAD")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	for _, want := range []string{"==== normal build", "==== incremental build", "unused variable", "error: commit 0"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr missing %q:\n%s", want, stderr)
		}
	}

	report, err := os.ReadFile(filepath.Join(work, "report.yaml"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(report), "result: aborted") || !strings.Contains(string(report), "stage: compare build output") {
		t.Errorf("report.yaml = %s", report)
	}
}

func TestReplay_DirtyTree(t *testing.T) {
	dir := setupProject(t)
	writeFile(t, filepath.Join(dir, "src", "lib.rs"), "fn dirty() {}")

	code, _, stderr := runCLI(t, "replay",
		"--cargo", filepath.Join(dir, "Cargo.toml"),
		"--work-dir", filepath.Join(t.TempDir(), "work"),
		"HEAD~1..HEAD")
	if code != 1 || !strings.Contains(stderr, "file `src/lib.rs` is dirty") {
		t.Fatalf("exit %d, stderr = %q", code, stderr)
	}
}

func TestLockWorkDir(t *testing.T) {
	work := filepath.Join(t.TempDir(), "work")
	first, err := lockWorkDir(work)
	if err != nil {
		t.Fatalf("lockWorkDir: %v", err)
	}
	defer first.Unlock()

	if _, err := lockWorkDir(work); err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("second lock error = %v", err)
	}
}

func TestNewReport(t *testing.T) {
	s := &replay.Summary{Commits: 1}
	rep := newReport("HEAD", "Cargo.toml", time.Now(), s, errors.New("boom"))
	if rep.Result != "failed" || rep.Error != "boom" || rep.Ratio != replay.NotAvailable {
		t.Fatalf("report = %+v", rep)
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	dir := setupProject(t)
	writeFile(t, filepath.Join(dir, "src", "lib.rs"), "fn wip() {}")

	code, stdout, stderr := runCLI(t, "build", "--cargo", filepath.Join(dir, "Cargo.toml"))
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	for _, want := range []string{"head is: master", "committing checkpoint", "re-used 1 of 1 modules"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "build-cache", "fx-1abc")); err != nil {
		t.Errorf("build cache not written: %v", err)
	}

	writeFile(t, filepath.Join(dir, "src", "extra.rs"), "fn e() {}")
	code, _, stderr = runCLI(t, "build", "--cargo", filepath.Join(dir, "Cargo.toml"))
	if code != 1 || !strings.Contains(stderr, "file `src/extra.rs` is untracked") {
		t.Fatalf("exit %d, stderr = %q", code, stderr)
	}
}
