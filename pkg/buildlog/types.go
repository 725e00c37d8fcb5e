// Package buildlog turns the raw text of cargo build and test invocations
// into structured results and cumulative compilation statistics.
package buildlog

import (
	"slices"

	"github.com/odvcencio/incrreplay/pkg/runner"
)

// CompilationStats accumulates across every build of one mode in a run.
type CompilationStats struct {
	BuildTime     float64 // seconds
	ModulesReused uint64
	ModulesTotal  uint64
}

// Add folds other into s.
func (s *CompilationStats) Add(other CompilationStats) {
	s.BuildTime += other.BuildTime
	s.ModulesReused += other.ModulesReused
	s.ModulesTotal += other.ModulesTotal
}

// Message is one compiler diagnostic.
type Message struct {
	Kind     string // "warning" or "error"
	Text     string
	Location string // file:line:col
}

// BuildResult is the observable outcome of one build. Raw is kept as
// evidence and takes no part in Equal.
type BuildResult struct {
	Success  bool
	Messages []Message
	Raw      *runner.Output
}

// Equal reports whether two builds had the same outcome and diagnostics.
func (b *BuildResult) Equal(other *BuildResult) bool {
	return b.Success == other.Success && slices.Equal(b.Messages, other.Messages)
}

// TestCase is the status of one named test.
type TestCase struct {
	Name   string
	Status string
}

// TestResult is the observable outcome of one test run. Cases are sorted by
// name so results compare independent of execution order.
type TestResult struct {
	Success bool
	Cases   []TestCase
	Raw     *runner.Output
}

// Equal reports whether two test runs had the same outcome per test.
func (t *TestResult) Equal(other *TestResult) bool {
	return t.Success == other.Success && slices.Equal(t.Cases, other.Cases)
}

// Passed counts cases whose status is "ok".
func (t *TestResult) Passed() int {
	n := 0
	for _, c := range t.Cases {
		if c.Status == "ok" {
			n++
		}
	}
	return n
}
