package cargo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrManifest is wrapped by every manifest precondition failure.
var ErrManifest = errors.New("invalid cargo manifest")

// CheckManifest verifies that path names a readable Cargo.toml declaring a
// package or a workspace, and returns the absolute project directory.
func CheckManifest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: cargo path `%s` does not lead to a `Cargo.toml` file", ErrManifest, path)
	}

	var doc map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrManifest, path, err)
	}
	_, hasPackage := doc["package"]
	_, hasWorkspace := doc["workspace"]
	if !hasPackage && !hasWorkspace {
		return "", fmt.Errorf("%w: %s declares neither [package] nor [workspace]", ErrManifest, path)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrManifest, path, err)
	}
	return abs, nil
}

// limitedProfiles are the cargo profiles used by `cargo build` and
// `cargo test` without --release.
var limitedProfiles = []string{"dev", "test"}

// LimitDebugInfo rewrites the manifest at path so the dev and test profiles
// emit no debug info. The rewrite drops comments and formatting; callers
// revert it with a hard reset before moving to the next commit.
func LimitDebugInfo(path string) error {
	var doc map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return fmt.Errorf("limit debuginfo: parse %s: %w", path, err)
	}

	profiles, err := table(doc, "profile")
	if err != nil {
		return fmt.Errorf("limit debuginfo: %s: %w", path, err)
	}
	for _, name := range limitedProfiles {
		p, err := table(profiles, name)
		if err != nil {
			return fmt.Errorf("limit debuginfo: %s: profile.%w", path, err)
		}
		p["debug"] = false
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("limit debuginfo: encode %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("limit debuginfo: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("limit debuginfo: write %s: %w", path, err)
	}
	return nil
}

// table returns doc[key] as a table, creating it when absent.
func table(doc map[string]any, key string) (map[string]any, error) {
	v, ok := doc[key]
	if !ok {
		t := make(map[string]any)
		doc[key] = t
		return t, nil
	}
	t, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s is not a table", key)
	}
	return t, nil
}
