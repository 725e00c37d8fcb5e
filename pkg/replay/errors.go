package replay

import (
	"errors"
	"fmt"
	"io"

	"github.com/odvcencio/incrreplay/pkg/runner"
)

var (
	// ErrBuildMismatch means the normal and incremental builds of a commit
	// reported different outcomes or diagnostics.
	ErrBuildMismatch = errors.New("incremental build differed from normal build")

	// ErrTestMismatch means the normal and incremental test runs of a commit
	// reported different per-test statuses.
	ErrTestMismatch = errors.New("incremental tests differed from normal tests")

	// ErrRebuildFailed means a rebuild with an unchanged cache, or into a
	// fresh cache, failed although the incremental build had succeeded.
	ErrRebuildFailed = errors.New("incremental rebuild failed after a successful incremental build")

	// ErrNormalBuildReused means the normal builds reported reused modules,
	// so incremental flags leaked into their environment. It is a harness
	// defect, not a finding about the toolchain.
	ErrNormalBuildReused = errors.New("normal build reused modules")
)

// IncompleteReuseError reports a rebuild with an untouched cache that did
// not reuse every module.
type IncompleteReuseError struct {
	Reused uint64
	Total  uint64
}

func (e *IncompleteReuseError) Error() string {
	return fmt.Sprintf("rebuild with an unchanged cache re-used only %d of %d modules", e.Reused, e.Total)
}

// Side is one half of the evidence behind a finding.
type Side struct {
	Label string
	Raw   *runner.Output
}

// AbortError stops a run at a stage of one commit. Comparison failures
// carry the raw output of both sides in Sides.
type AbortError struct {
	Stage  Stage
	Index  int
	Commit string
	Err    error
	Sides  []Side
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("commit %d (%s), %s: %v", e.Index, e.Commit, e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// WriteDump writes the exit status, stdout and stderr of every side in
// full.
func (e *AbortError) WriteDump(w io.Writer) error {
	for _, s := range e.Sides {
		if s.Raw == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "==== %s: %s ====\n", s.Label, s.Raw.Status); err != nil {
			return err
		}
		for _, stream := range []struct {
			name string
			data []byte
		}{
			{"stdout", s.Raw.Stdout},
			{"stderr", s.Raw.Stderr},
		} {
			if _, err := fmt.Fprintf(w, "---- %s %s ----\n", s.Label, stream.name); err != nil {
				return err
			}
			if _, err := w.Write(stream.data); err != nil {
				return err
			}
			if n := len(stream.data); n > 0 && stream.data[n-1] != '\n' {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
