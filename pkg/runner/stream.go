package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const streamChunkSize = 4096

// runStreamed relays the child's output while it runs and still returns all
// of it. Each stream gets its own reader goroutine. The readers loop until
// the shared done flag is set, which happens only after the child has been
// waited on, and then drain whatever was written between the last read and
// the flag being observed.
func (r *Runner) runStreamed(cmd *exec.Cmd) (*Output, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Command: describe(cmd), Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &LaunchError{Command: describe(cmd), Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	defer stdoutR.Close()
	defer stderrR.Close()

	// *os.File writers are handed to the child directly; exec does not copy
	// them and Wait does not close our read ends.
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child holds its own copies now.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		return nil, &LaunchError{Command: describe(cmd), Err: startErr}
	}

	var done atomic.Bool
	var g errgroup.Group
	var stdout, stderr []byte
	g.Go(func() error {
		var err error
		stdout, err = readUntilDone(&done, stdoutR, r.stdout())
		return err
	})
	g.Go(func() error {
		var err error
		stderr, err = readUntilDone(&done, stderrR, r.stderr())
		return err
	})

	waitErr := cmd.Wait()
	done.Store(true)

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading child process output: %w", err)
	}

	out, err := finish(cmd, waitErr)
	if err != nil {
		return nil, err
	}
	out.Stdout = stdout
	out.Stderr = stderr
	return out, nil
}

// readUntilDone forwards fixed-size chunks from src to forward until done is
// set or src reports EOF, then performs one final drain read. The drain is
// what picks up bytes written after the last chunk but before done was
// observed. After a failed forward write the pipe is still read to the end,
// so the child never blocks on a full pipe, and the first write error is
// returned.
func readUntilDone(done *atomic.Bool, src io.Reader, forward io.Writer) ([]byte, error) {
	var data []byte
	var fwdErr error
	relay := func(p []byte) {
		data = append(data, p...)
		if fwdErr != nil {
			return
		}
		if _, err := forward.Write(p); err != nil {
			fwdErr = fmt.Errorf("forward output: %w", err)
		}
	}

	buf := make([]byte, streamChunkSize)
	for !done.Load() {
		n, err := src.Read(buf)
		if n > 0 {
			relay(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read child pipe: %w", err)
		}
	}

	rest, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("drain child pipe: %w", err)
	}
	if len(rest) > 0 {
		relay(rest)
	}
	if fwdErr != nil {
		return nil, fwdErr
	}
	return data, nil
}
