/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mode selects what happens to the child's standard streams.
type Mode int

const (
	// ModeCapture returns stdout to the caller; stderr only feeds errors and logs.
	ModeCapture Mode = iota
	// ModeStream passes the child's output through to the agent's own streams.
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "capture"
}

// Namespaces selects the namespaces a command runs in.
type Namespaces int

const (
	// OwnNamespaces runs the command in the agent's namespaces.
	OwnNamespaces Namespaces = iota
	// HostNamespaces enters the mount, UTS, network and IPC namespaces of PID 1.
	HostNamespaces
)

const DefaultKillGrace = 5 * time.Second

var hostNamespacePrefix = []string{"nsenter", "--target", "1", "--mount", "--uts", "--net", "--ipc", "--"}

// Command is a single elevated invocation.
type Command struct {
	Args []string
	// Stdin is written to the child's standard input when not empty.
	Stdin string
	// Timeout bounds the invocation; zero means no bound.
	Timeout    time.Duration
	Mode       Mode
	Namespaces Namespaces
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Executor runs commands with root privileges.
type Executor interface {
	// Run blocks until the command exits or its timeout elapses. In
	// ModeCapture the child's stdout is returned verbatim and its stderr is
	// kept out of it; in ModeStream the returned string is empty.
	Run(ctx context.Context, cmd Command) (string, error)
}

// CommandExecutor is the Executor backed by os/exec.
type CommandExecutor struct {
	Log *zap.SugaredLogger
	// Elevate is prepended to every command, e.g. ["sudo", "-n"]. Leave it
	// empty when the agent already runs as root.
	Elevate []string
	// KillGrace is how long a timed out child may take to exit after
	// SIGTERM before the whole process group is killed.
	KillGrace time.Duration
	// Stdout and Stderr receive ModeStream output. They default to the
	// agent's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

var _ Executor = &CommandExecutor{}

// Argv returns the full argument vector executed for cmd.
func (c *CommandExecutor) Argv(cmd Command) []string {
	argv := make([]string, 0, len(c.Elevate)+len(hostNamespacePrefix)+len(cmd.Args))
	argv = append(argv, c.Elevate...)
	if cmd.Namespaces == HostNamespaces {
		argv = append(argv, hostNamespacePrefix...)
	}
	return append(argv, cmd.Args...)
}

func (c *CommandExecutor) Run(ctx context.Context, cmd Command) (string, error) {
	if len(cmd.Args) == 0 {
		return "", errors.New("empty command")
	}

	argv := c.Argv(cmd)
	c.Log.Debugf("Running command (%s, timeout %s): %s", cmd.Mode, cmd.Timeout, strings.Join(argv, " "))

	// #nosec G204 the agent controls the input to the exec arguments
	child := exec.Command(argv[0], argv[1:]...)
	child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cmd.Stdin != "" {
		child.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Mode == ModeStream {
		child.Stdout = c.stdout()
		child.Stderr = c.stderr()
	} else {
		child.Stdout = &stdout
		child.Stderr = &stderr
	}

	if err := child.Start(); err != nil {
		return "", &CommandFailureError{Args: cmd.Args, ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- child.Wait()
	}()

	var expired <-chan time.Time
	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), newCommandFailure(cmd.Args, err, diagnostic(&stdout, &stderr))
		}
		if stderr.Len() > 0 {
			c.Log.Debugf("%s wrote to stderr: %s", cmd.Args[0], strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	case <-expired:
		c.Log.Warnf("timeout waiting for %s after %s, terminating it", cmd.Args[0], cmd.Timeout)
		c.terminate(child, done)
		return stdout.String(), &TimeoutError{Args: cmd.Args, Timeout: cmd.Timeout, Output: diagnostic(&stdout, &stderr)}
	case <-ctx.Done():
		c.Log.Warnf("context done while waiting for %s, terminating it", cmd.Args[0])
		c.terminate(child, done)
		return stdout.String(), fmt.Errorf("running %s: %w", cmd, ctx.Err())
	}
}

// diagnostic is the text attached to a failed command: its stderr, or its
// stdout when it wrote nothing to stderr.
func diagnostic(stdout, stderr *bytes.Buffer) string {
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return msg
	}
	return strings.TrimSpace(stdout.String())
}

// terminate sends SIGTERM to the child's process group, then SIGKILL once
// the grace period runs out. It returns after the child has been reaped.
func (c *CommandExecutor) terminate(child *exec.Cmd, done <-chan error) {
	pgid := child.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		c.Log.Errorf("Failed to send interrupt signal to process group %d: %v", pgid, err)
	}

	grace := c.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	c.Log.Infof("process group %d did not exit after interrupt signal, sending kill signal", pgid)
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		c.Log.Errorf("Failed to kill process group %d: %v", pgid, err)
	}
	<-done
}

func (c *CommandExecutor) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c *CommandExecutor) stderr() io.Writer {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}
