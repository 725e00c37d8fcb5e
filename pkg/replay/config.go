package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/odvcencio/incrreplay/pkg/cargo"
)

// DefaultCheckoutSpacing is the minimum time between two checkouts. Cargo
// decides staleness from modification times, which some filesystems store
// with one-second granularity.
const DefaultCheckoutSpacing = time.Second

// Config controls one replay run.
type Config struct {
	// WorkDir holds build outputs, caches and evidence. It is deleted and
	// recreated when the run starts.
	WorkDir string

	// Scope selects which crates compile incrementally.
	Scope cargo.Scope

	// Live means build output is streamed to the terminal, so no evidence
	// directories are written.
	Live bool

	SkipTests bool

	// NoDebugInfo disables debug info in the checked-out Cargo.toml for
	// the duration of each commit.
	NoDebugInfo bool

	// CheckoutSpacing is the minimum time between consecutive checkouts.
	// Zero disables throttling.
	CheckoutSpacing time.Duration

	// ArtifactPatterns select the cache files compared byte for byte. Nil
	// means the comparator's defaults.
	ArtifactPatterns []string
}

// DefaultConfig returns the configuration used by the command line.
func DefaultConfig(workDir string) Config {
	return Config{WorkDir: workDir, CheckoutSpacing: DefaultCheckoutSpacing}
}

// Layout names the directories of a work directory:
//
//	target-normal/             cargo output of normal builds
//	target-incr/               cargo output of incremental builds
//	target-incr-from-scratch/  cargo output of the from-scratch check
//	incr/                      compiler cache shared across commits
//	incr-from-scratch/         compiler cache of the from-scratch check
//	commits/NNNN-SHORT-STAGE/  status, stdout and stderr of each invocation
//	report.yaml                run summary
type Layout struct {
	Root string
}

func (l Layout) TargetNormal() string      { return filepath.Join(l.Root, "target-normal") }
func (l Layout) TargetIncremental() string { return filepath.Join(l.Root, "target-incr") }
func (l Layout) TargetFromScratch() string { return filepath.Join(l.Root, "target-incr-from-scratch") }
func (l Layout) Cache() string             { return filepath.Join(l.Root, "incr") }
func (l Layout) CacheFromScratch() string  { return filepath.Join(l.Root, "incr-from-scratch") }
func (l Layout) Commits() string           { return filepath.Join(l.Root, "commits") }
func (l Layout) Report() string            { return filepath.Join(l.Root, "report.yaml") }

// Evidence returns the evidence directory of one invocation.
func (l Layout) Evidence(index int, shortID, slug string) string {
	return filepath.Join(l.Commits(), fmt.Sprintf("%04d-%s-%s", index, shortID, slug))
}

// Reset deletes the work directory and recreates its skeleton.
func (l Layout) Reset() error {
	if err := os.RemoveAll(l.Root); err != nil {
		return fmt.Errorf("error removing directory `%s`: %w", l.Root, err)
	}
	for _, dir := range []string{l.Commits(), l.TargetNormal(), l.TargetIncremental(), l.Cache()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create work-directory `%s`: %w", dir, err)
		}
	}
	return nil
}

// recreate empties dir.
func recreate(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("error removing directory `%s`: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory `%s`: %w", dir, err)
	}
	return nil
}
