package replay

import (
	"fmt"
	"io"
	"strconv"
)

// NotAvailable is printed in place of a ratio whose denominator is zero.
const NotAvailable = "n/a"

// Summary aggregates a run.
type Summary struct {
	Commits              int     `yaml:"commits"`
	NormalBuildTime      float64 `yaml:"normal_build_seconds"`
	IncrementalBuildTime float64 `yaml:"incremental_build_seconds"`
	TestsTotal           int     `yaml:"tests_total"`
	TestsPassed          int     `yaml:"tests_passed"`
	ModulesReused        uint64  `yaml:"modules_reused"`
	ModulesTotal         uint64  `yaml:"modules_total"`
}

// Ratio is normal build time over incremental build time. ok is false when
// no incremental build time was recorded.
func (s *Summary) Ratio() (ratio float64, ok bool) {
	if s.IncrementalBuildTime == 0 {
		return 0, false
	}
	return s.NormalBuildTime / s.IncrementalBuildTime, true
}

// ReusePercent is the share of incrementally compiled modules that were
// reused. ok is false when no module was compiled incrementally.
func (s *Summary) ReusePercent() (percent float64, ok bool) {
	if s.ModulesTotal == 0 {
		return 0, false
	}
	return float64(s.ModulesReused) / float64(s.ModulesTotal) * 100, true
}

// RatioText formats Ratio with two decimals, or NotAvailable.
func (s *Summary) RatioText() string {
	r, ok := s.Ratio()
	if !ok {
		return NotAvailable
	}
	return strconv.FormatFloat(r, 'f', 2, 64)
}

// ReusePercentText formats ReusePercent as a whole percentage, or
// NotAvailable.
func (s *Summary) ReusePercentText() string {
	p, ok := s.ReusePercent()
	if !ok {
		return NotAvailable
	}
	return strconv.FormatFloat(p, 'f', 0, 64) + "%"
}

// WriteReport prints the human-readable run report.
func (s *Summary) WriteReport(w io.Writer) error {
	_, err := fmt.Fprintf(w, `Fuzzing report:
- %d commits built
- normal compilation took %.2fs
- incremental compilation took %.2fs
- %d total tests executed (%d of those passed)
- normal/incremental ratio %s
- %d of %d (or %s) modules were re-used
`,
		s.Commits,
		s.NormalBuildTime,
		s.IncrementalBuildTime,
		s.TestsTotal, s.TestsPassed,
		s.RatioText(),
		s.ModulesReused, s.ModulesTotal, s.ReusePercentText(),
	)
	return err
}
