package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/odvcencio/incrreplay/pkg/replay"
)

var (
	colorError   = lipgloss.Color("#E74C3C")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorMuted   = lipgloss.Color("#2C4A54")
)

type styles struct {
	ErrorPrefix lipgloss.Style
	Success     lipgloss.Style
	Muted       lipgloss.Style
}

// newStyles renders for w, so colors are dropped when w is not a terminal.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		ErrorPrefix: r.NewStyle().Bold(true).Foreground(colorError),
		Success:     r.NewStyle().Bold(true).Foreground(colorSuccess),
		Muted:       r.NewStyle().Foreground(colorMuted),
	}
}

// printError writes err to w. A replay finding is preceded by the full
// output of both sides.
func printError(w io.Writer, err error) {
	var abort *replay.AbortError
	if errors.As(err, &abort) && len(abort.Sides) > 0 {
		if dumpErr := abort.WriteDump(w); dumpErr != nil {
			fmt.Fprintf(w, "failed to write build output: %v\n", dumpErr)
		}
	}
	fmt.Fprintf(w, "%s %v\n", newStyles(w).ErrorPrefix.Render("error:"), err)
}
