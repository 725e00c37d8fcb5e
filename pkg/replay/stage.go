package replay

import "fmt"

// Stage is one step of a commit's replay. Stages run in declaration order.
type Stage int

const (
	StageCheckout Stage = iota
	StageNormalBuild
	StageIncrementalBuild
	StageCompareBuild
	StageNormalTest
	StageIncrementalTest
	StageCompareTest
	StageFullReuse
	StageFromScratch

	numStages = int(StageFromScratch) + 1
)

var stageNames = [numStages]string{
	StageCheckout:         "checkout",
	StageNormalBuild:      "normal build",
	StageIncrementalBuild: "incremental build",
	StageCompareBuild:     "compare build output",
	StageNormalTest:       "normal test",
	StageIncrementalTest:  "incremental test",
	StageCompareTest:      "compare test output",
	StageFullReuse:        "full reuse check",
	StageFromScratch:      "from-scratch cache check",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= numStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// evidenceSlug names the evidence directory of the cargo invocation a stage
// runs. Comparison stages run none.
func (s Stage) evidenceSlug() string {
	switch s {
	case StageNormalBuild:
		return "normal-build"
	case StageIncrementalBuild:
		return "incr-build"
	case StageNormalTest:
		return "normal-test"
	case StageIncrementalTest:
		return "incr-test"
	case StageFullReuse:
		return "incr-rebuild"
	case StageFromScratch:
		return "incr-from-scratch-build"
	default:
		return ""
	}
}

// Position locates the replay within the plan, for progress reporting.
type Position struct {
	Index  int // zero-based commit index
	Total  int // commits in the plan
	Commit string
	Stage  Stage
}

// Percent returns how much of the run is complete when the stage starts.
func (p Position) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	done := p.Index*numStages + int(p.Stage)
	return float64(done) / float64(p.Total*numStages)
}

// Title is the progress line for the position.
func (p Position) Title() string {
	return fmt.Sprintf("processing %s (%s)", p.Commit, p.Stage)
}
