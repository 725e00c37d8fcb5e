package cargo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/incrreplay/pkg/buildlog"
	"github.com/odvcencio/incrreplay/pkg/runner"
)

func envValue(env []string, key string) (string, bool) {
	val, found := "", false
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			val, found = v, true
		}
	}
	return val, found
}

func TestBuildCommand(t *testing.T) {
	tc := &Toolchain{ProjectDir: "/src/proj", RustFlags: "-C opt-level=1"}

	tests := []struct {
		name          string
		inv           Invocation
		wantArgs      string
		wantRustflags string
		wantCargoIncr string
	}{
		{
			name:          "normal",
			inv:           Invocation{Mode: Normal, TargetDir: "/w/target-normal"},
			wantArgs:      "cargo build -v",
			wantCargoIncr: "0",
		},
		{
			name:          "all deps",
			inv:           Invocation{Mode: IncrementalShared, Scope: AllDeps, TargetDir: "/w/target-incr", CacheDir: "/w/incr"},
			wantArgs:      "cargo build -v",
			wantRustflags: "-Z incremental=/w/incr -Z incremental-info -C opt-level=1",
		},
		{
			name:     "current project",
			inv:      Invocation{Mode: IncrementalFresh, Scope: CurrentProject, TargetDir: "/w/t", CacheDir: "/w/c"},
			wantArgs: "cargo rustc -v -- -Z incremental=/w/c -Z incremental-info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tc.buildCommand(tt.inv)
			if got := strings.Join(cmd.Args, " "); got != tt.wantArgs {
				t.Errorf("args = %q, want %q", got, tt.wantArgs)
			}
			if cmd.Dir != "/src/proj" {
				t.Errorf("dir = %q", cmd.Dir)
			}
			if got, _ := envValue(cmd.Env, "CARGO_TARGET_DIR"); got != tt.inv.TargetDir {
				t.Errorf("CARGO_TARGET_DIR = %q, want %q", got, tt.inv.TargetDir)
			}
			if tt.wantRustflags != "" {
				if got, _ := envValue(cmd.Env, "RUSTFLAGS"); got != tt.wantRustflags {
					t.Errorf("RUSTFLAGS = %q, want %q", got, tt.wantRustflags)
				}
			}
			got, ok := envValue(cmd.Env, "CARGO_INCREMENTAL")
			if tt.wantCargoIncr != "" && got != tt.wantCargoIncr {
				t.Errorf("CARGO_INCREMENTAL = %q, want %q", got, tt.wantCargoIncr)
			}
			if tt.wantCargoIncr == "" && ok && got == "0" {
				t.Errorf("incremental invocation disables CARGO_INCREMENTAL")
			}
		})
	}
}

func TestTestCommand_IncrementalAlwaysUsesRustflags(t *testing.T) {
	tc := &Toolchain{ProjectDir: "."}
	cmd := tc.testCommand(Invocation{Mode: IncrementalShared, Scope: CurrentProject, TargetDir: "t", CacheDir: "/c"})
	if got := strings.Join(cmd.Args, " "); got != "cargo test" {
		t.Errorf("args = %q", got)
	}
	if got, _ := envValue(cmd.Env, "RUSTFLAGS"); got != "-Z incremental=/c -Z incremental-info" {
		t.Errorf("RUSTFLAGS = %q", got)
	}
}

func TestInvocationValidate(t *testing.T) {
	if err := (Invocation{Mode: IncrementalShared, TargetDir: "t"}).validate(); err == nil {
		t.Error("incremental invocation without cache dir accepted")
	}
	if err := (Invocation{Mode: Normal}).validate(); err == nil {
		t.Error("invocation without target dir accepted")
	}
}

// fakeCargo writes an executable shell script standing in for cargo.
func fakeCargo(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cargo")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake cargo: %v", err)
	}
	return path
}

func TestToolchainBuild_ParsesAndSavesEvidence(t *testing.T) {
	bin := fakeCargo(t, `echo "incremental: re-using 2 out of 4 modules" >&2
echo "warning: unused import" >&2
echo "  --> src/lib.rs:1:5" >&2
echo "    Finished dev [unoptimized + debuginfo] target(s) in 0.75 secs" >&2
`)
	evidence := filepath.Join(t.TempDir(), "0000-abc-incr-build")
	tc := &Toolchain{ProjectDir: t.TempDir(), Cargo: bin, Runner: &runner.Runner{}}

	var stats buildlog.CompilationStats
	res, err := tc.Build(Invocation{Mode: IncrementalShared, TargetDir: "t", CacheDir: "c", EvidenceDir: evidence}, &stats)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !res.Success || len(res.Messages) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if stats.ModulesReused != 2 || stats.ModulesTotal != 4 || stats.BuildTime != 0.75 {
		t.Errorf("stats = %+v", stats)
	}
	stderr, err := os.ReadFile(filepath.Join(evidence, runner.StderrFile))
	if err != nil {
		t.Fatalf("read evidence: %v", err)
	}
	if !strings.Contains(string(stderr), "re-using 2 out of 4") {
		t.Errorf("evidence stderr = %q", stderr)
	}
}

func TestToolchainBuild_FormatErrorKeepsEvidence(t *testing.T) {
	bin := fakeCargo(t, "echo compiled\n")
	evidence := filepath.Join(t.TempDir(), "ev")
	tc := &Toolchain{ProjectDir: t.TempDir(), Cargo: bin}

	var stats buildlog.CompilationStats
	_, err := tc.Build(Invocation{Mode: Normal, TargetDir: "t", EvidenceDir: evidence}, &stats)
	if !errors.Is(err, buildlog.ErrDurationMissing) {
		t.Fatalf("Build error = %v, want ErrDurationMissing", err)
	}
	if _, err := os.Stat(filepath.Join(evidence, runner.StatusFile)); err != nil {
		t.Errorf("evidence not written: %v", err)
	}
}

func TestToolchainTest(t *testing.T) {
	bin := fakeCargo(t, `echo "test b ... ok"
echo "test a ... FAILED"
echo "test result: FAILED. 1 passed; 1 failed; 0 ignored; 0 measured; 0 filtered out"
exit 101
`)
	tc := &Toolchain{ProjectDir: t.TempDir(), Cargo: bin}
	res, err := tc.Test(Invocation{Mode: Normal, TargetDir: "t"})
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if res.Success {
		t.Error("Success = true for exit 101")
	}
	if len(res.Cases) != 2 || res.Cases[0].Name != "a" {
		t.Errorf("cases = %+v", res.Cases)
	}
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Cargo.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestCheckManifest(t *testing.T) {
	path := writeManifest(t, "[package]\nname = \"foo\"\nversion = \"0.1.0\"\n")
	dir, err := CheckManifest(path)
	if err != nil {
		t.Fatalf("CheckManifest: %v", err)
	}
	if dir != filepath.Dir(path) {
		t.Errorf("dir = %q, want %q", dir, filepath.Dir(path))
	}

	for name, p := range map[string]string{
		"missing":    filepath.Join(t.TempDir(), "Cargo.toml"),
		"directory":  t.TempDir(),
		"not toml":   writeManifest(t, "[package\n"),
		"no package": writeManifest(t, "[dependencies]\nserde = \"1\"\n"),
	} {
		if _, err := CheckManifest(p); !errors.Is(err, ErrManifest) {
			t.Errorf("%s: error = %v, want ErrManifest", name, err)
		}
	}
}

func TestLimitDebugInfo(t *testing.T) {
	path := writeManifest(t, `[package]
name = "foo"
version = "0.1.0"

[profile.dev]
opt-level = 1
debug = 2
`)
	if err := LimitDebugInfo(path); err != nil {
		t.Fatalf("LimitDebugInfo: %v", err)
	}

	var doc struct {
		Package struct {
			Name string `toml:"name"`
		} `toml:"package"`
		Profile map[string]map[string]any `toml:"profile"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		t.Fatalf("decode rewritten manifest: %v", err)
	}
	if doc.Package.Name != "foo" {
		t.Errorf("package name lost: %q", doc.Package.Name)
	}
	for _, profile := range []string{"dev", "test"} {
		if doc.Profile[profile]["debug"] != false {
			t.Errorf("profile.%s.debug = %v, want false", profile, doc.Profile[profile]["debug"])
		}
	}
	if doc.Profile["dev"]["opt-level"] != int64(1) {
		t.Errorf("profile.dev.opt-level = %v, want 1", doc.Profile["dev"]["opt-level"])
	}
}

func TestLimitDebugInfo_RejectsNonTableProfile(t *testing.T) {
	path := writeManifest(t, "profile = \"fast\"\n[package]\nname = \"x\"\n")
	if err := LimitDebugInfo(path); err == nil {
		t.Fatal("expected error for non-table profile")
	}
}
