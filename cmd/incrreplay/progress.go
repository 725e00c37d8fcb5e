package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/odvcencio/incrreplay/pkg/logger"
	"github.com/odvcencio/incrreplay/pkg/replay"
)

// progressReporter draws a redrawn progress bar on terminals and prints
// one line per commit elsewhere, including while cargo output is streamed.
type progressReporter struct {
	w   io.Writer
	tty bool
	bar progress.Model
	st  styles
}

func newProgressReporter(w io.Writer, live bool) *progressReporter {
	return &progressReporter{
		w:   w,
		tty: logger.IsTerminal(w) && !live,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		st:  newStyles(w),
	}
}

func (p *progressReporter) Report(pos replay.Position) {
	if p.tty {
		fmt.Fprintf(p.w, "\r\x1b[K%s %s", p.bar.ViewAs(pos.Percent()), pos.Title())
		return
	}
	if pos.Stage == replay.StageCheckout {
		fmt.Fprintf(p.w, "%s %s\n", p.st.Muted.Render(fmt.Sprintf("[%d/%d]", pos.Index+1, pos.Total)), pos.Title())
	}
}

// Finish ends the bar line so later output starts on a fresh line.
func (p *progressReporter) Finish(completed bool) {
	if !p.tty {
		return
	}
	if completed {
		fmt.Fprintf(p.w, "\r\x1b[K%s\n", p.bar.ViewAs(1))
		return
	}
	fmt.Fprintln(p.w)
}
