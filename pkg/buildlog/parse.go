package buildlog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/odvcencio/incrreplay/pkg/runner"
)

// ErrFormat is wrapped by every parser failure. It means cargo's output no
// longer matches what the parser assumes and must never be tolerated.
var ErrFormat = errors.New("unexpected build tool output")

var (
	ErrInvalidUTF8           = fmt.Errorf("%w: output is not valid utf-8", ErrFormat)
	ErrDurationReportedTwice = fmt.Errorf("%w: cargo reported total build time twice", ErrFormat)
	ErrDurationMissing       = fmt.Errorf("%w: cargo build did not fail but failed to report total build time", ErrFormat)
)

// TestCountMismatchError reports a summary total that disagrees with the
// number of per-test lines.
type TestCountMismatchError struct {
	Enumerated int
	Summary    int
}

func (e *TestCountMismatchError) Error() string {
	return fmt.Sprintf("matched a different number of tests (%d) than in the summary (%d)", e.Enumerated, e.Summary)
}

func (e *TestCountMismatchError) Unwrap() error { return ErrFormat }

var (
	reuseRe    = regexp.MustCompile(`(?m)^incremental: re-using (\d+) out of (\d+) modules\r?$`)
	durationRe = regexp.MustCompile(`(?m)^\s*Finished .* target\(s\) in ([0-9.]+) ?(?:secs|s)\r?$`)
	// summary line followed by its location line, e.g.
	//   warning: unused variable: `x`
	//     --> src/lib.rs:3:9
	messageRe = regexp.MustCompile(`(?m)^(warning|error)(?:\[\w+\])?: (.*)\r?\n\s*--> ([^:\n]+:\d+:\d+)\r?$`)
	testRe    = regexp.MustCompile(`(?m)^test (.*) \.\.\. (\w+)`)
	summaryRe = regexp.MustCompile(`(?m)(\d+) passed; (\d+) failed; (\d+) ignored; \d+ measured`)
)

// ParseBuild extracts diagnostics from a build's combined output and adds
// its module reuse counts and build time to stats. A successful build must
// report its build time exactly once; a failed build may not report it.
func ParseBuild(out *runner.Output, stats *CompilationStats) (*BuildResult, error) {
	text, err := combinedText(out)
	if err != nil {
		return nil, err
	}

	var delta CompilationStats
	for _, m := range reuseRe.FindAllStringSubmatch(text, -1) {
		reused, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: reused module count %q: %v", ErrFormat, m[1], err)
		}
		total, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: total module count %q: %v", ErrFormat, m[2], err)
		}
		delta.ModulesReused += reused
		delta.ModulesTotal += total
	}

	durations := durationRe.FindAllStringSubmatch(text, -1)
	switch {
	case len(durations) > 1:
		return nil, ErrDurationReportedTwice
	case len(durations) == 1:
		secs, err := strconv.ParseFloat(durations[0][1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: build time %q: %v", ErrFormat, durations[0][1], err)
		}
		delta.BuildTime = secs
	case out.Success:
		return nil, ErrDurationMissing
	}
	// A failed build legitimately may stop before the Finished line.

	var messages []Message
	for _, m := range messageRe.FindAllStringSubmatch(text, -1) {
		messages = append(messages, Message{Kind: m[1], Text: strings.TrimRight(m[2], "\r"), Location: m[3]})
	}

	stats.Add(delta)
	return &BuildResult{Success: out.Success, Messages: messages, Raw: out}, nil
}

// ParseTest extracts per-test statuses from a test run's combined output
// and checks them against the summary lines of every test binary.
func ParseTest(out *runner.Output) (*TestResult, error) {
	text, err := combinedText(out)
	if err != nil {
		return nil, err
	}

	var cases []TestCase
	for _, m := range testRe.FindAllStringSubmatch(text, -1) {
		cases = append(cases, TestCase{Name: m[1], Status: m[2]})
	}
	slices.SortFunc(cases, func(a, b TestCase) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Status, b.Status)
	})

	summary := 0
	for _, m := range summaryRe.FindAllStringSubmatch(text, -1) {
		for _, field := range m[1:4] {
			n, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("%w: test summary count %q: %v", ErrFormat, field, err)
			}
			summary += n
		}
	}
	if summary != len(cases) {
		return nil, &TestCountMismatchError{Enumerated: len(cases), Summary: summary}
	}

	return &TestResult{Success: out.Success, Cases: cases, Raw: out}, nil
}

func combinedText(out *runner.Output) (string, error) {
	all := out.Combined()
	if !utf8.Valid(all) {
		return "", ErrInvalidUTF8
	}
	return string(all), nil
}
