// Package exec runs subprocesses on behalf of the builder and worker
// daemons. Commands are spawned in their own process group and the
// wall-clock timeout is enforced by a watchdog which kills the whole
// group, independently of whether the process drains its output.
package exec

import (
	"context"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/skia-dev/glog"
)

// DefaultGracePeriod is how long a timed-out process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Command describes one subprocess invocation.
type Command struct {
	// Name of the program, as passed to os/exec.
	Name string
	// Args, not including Name.
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env entries are appended to the current process environment.
	Env []string
	// Stdout and Stderr receive the process output; either may be nil.
	Stdout io.Writer
	Stderr io.Writer
	// Timeout is the wall-clock limit; zero means none.
	Timeout time.Duration
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
}

func (c *Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the outcome of a finished subprocess.
type Result struct {
	// ExitCode is the process exit status; -1 when the process was
	// killed by a signal.
	ExitCode int
	// TimedOut is set when the watchdog killed the process group.
	TimedOut bool
}

// Success reports a clean zero exit.
func (r *Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Run starts the command and waits for it. A non-zero exit or a timeout
// is reported through Result, not through the error; the error is
// reserved for failures to start or to wait on the process. Cancelling
// the context kills the process group.
func Run(ctx context.Context, command *Command) (*Result, error) {
	cmd := osexec.Command(command.Name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.Stdout = command.Stdout
	cmd.Stderr = command.Stderr
	setProcessGroup(cmd)

	glog.Infof("Executing %s", command)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", command.Name)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if command.Timeout > 0 {
		timer := time.NewTimer(command.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return resultFromWait(err)
	case <-timeout:
		glog.Warningf("Command timed out after %s: %s", command.Timeout, command)
		killGroup(cmd, command.gracePeriod())
		<-done
		return &Result{ExitCode: -1, TimedOut: true}, nil
	case <-ctx.Done():
		killGroup(cmd, command.gracePeriod())
		<-done
		return nil, errors.Wrapf(ctx.Err(), "running %s", command.Name)
	}
}

func (c *Command) gracePeriod() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return DefaultGracePeriod
}

func resultFromWait(err error) (*Result, error) {
	if err == nil {
		return &Result{ExitCode: 0}, nil
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return &Result{ExitCode: exitErr.ExitCode()}, nil
	}
	return nil, errors.Wrap(err, "waiting for command")
}
