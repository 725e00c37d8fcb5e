// Package runner launches the external build tool and captures its output,
// either buffered or streamed live to the controlling terminal.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Output is everything observed from one child process.
type Output struct {
	Status   string // human-readable exit status, e.g. "exit status: 101"
	ExitCode int
	Success  bool
	Stdout   []byte
	Stderr   []byte
}

// Combined returns stdout followed by stderr.
func (o *Output) Combined() []byte {
	all := make([]byte, 0, len(o.Stdout)+len(o.Stderr))
	all = append(all, o.Stdout...)
	return append(all, o.Stderr...)
}

// LaunchError reports a child process that could not be started or waited on.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to execute `%s`: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Runner executes commands. The zero value runs buffered.
//
// There is no timeout or cancellation: a hung child hangs Run.
type Runner struct {
	// Stream relays output to Stdout/Stderr while it is produced.
	Stream bool

	// Stdout and Stderr receive live output in streamed mode. They default
	// to the process's own streams.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Run starts cmd and waits for it to exit. A non-zero exit status is a
// valid result, not an error; only launch and wait failures are returned.
func (r *Runner) Run(cmd *exec.Cmd) (*Output, error) {
	r.logger().Debug("running command", "cmd", describe(cmd), "dir", cmd.Dir, "stream", r.Stream)
	if r.Stream {
		return r.runStreamed(cmd)
	}
	return r.runBuffered(cmd)
}

func (r *Runner) runBuffered(cmd *exec.Cmd) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out, err := finish(cmd, err)
	if err != nil {
		return nil, err
	}
	out.Stdout = stdout.Bytes()
	out.Stderr = stderr.Bytes()
	return out, nil
}

// finish converts the result of cmd.Run/cmd.Wait into an Output.
func finish(cmd *exec.Cmd, err error) (*Output, error) {
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &LaunchError{Command: describe(cmd), Err: err}
		}
	}
	state := cmd.ProcessState
	if state == nil {
		return nil, &LaunchError{Command: describe(cmd), Err: errors.New("process did not run")}
	}
	return &Output{
		Status:   state.String(),
		ExitCode: state.ExitCode(),
		Success:  state.Success(),
	}, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout == nil {
		return os.Stdout
	}
	return r.Stdout
}

func (r *Runner) stderr() io.Writer {
	if r.Stderr == nil {
		return os.Stderr
	}
	return r.Stderr
}

func describe(cmd *exec.Cmd) string {
	if len(cmd.Args) == 0 {
		return cmd.Path
	}
	return strings.Join(cmd.Args, " ")
}
