package exec

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// TimeoutError is returned when a command exceeded its bound.
type TimeoutError struct {
	Args    []string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s running %q", e.Timeout, strings.Join(e.Args, " "))
}

// CommandFailureError is returned when a command could not be started or
// exited with a nonzero status. ExitCode is -1 when it never started.
type CommandFailureError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandFailureError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.ExitCode < 0 {
		msg = fmt.Sprintf("command %q failed to start: %v", strings.Join(e.Args, " "), e.Err)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandFailureError) Unwrap() error {
	return e.Err
}

func newCommandFailure(args []string, err error, out string) *CommandFailureError {
	code, ok := ExitStatus(err)
	if !ok {
		code = -1
	}
	return &CommandFailureError{Args: args, ExitCode: code, Output: out, Err: err}
}

// ExitStatus extracts the exit status from an *exec.ExitError or a
// *CommandFailureError.
func ExitStatus(err error) (int, bool) {
	var failure *CommandFailureError
	if errors.As(err, &failure) && failure.ExitCode >= 0 {
		return failure.ExitCode, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		waitStatus, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus)
		if ok {
			if waitStatus.Signaled() {
				return 128 + int(waitStatus.Signal()), true
			}
			return waitStatus.ExitStatus(), true
		}
	}
	return 0, false
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}
