// Package mock provides an in-memory host for exercising the device
// provisioning flow without touching real block devices.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
	"github.com/carina-io/localpv-agent/utils/exec"
)

// Host implements exec.Executor by interpreting the commands the device
// processor issues against in-memory state. Mount points and directories are
// tracked per namespace: Mounted, Dirs and Immutable are what the host sees,
// the Agent* fields what a command run in the agent's own namespaces sees.
type Host struct {
	mu sync.Mutex

	// Mounted mount paths
	Mounted map[string]bool
	// Signatures is the wipefs output per device path
	Signatures map[string]string
	// Fstab is the mount table content
	Fstab     string
	Dirs      map[string]bool
	Immutable map[string]bool
	Formatted map[string]bool

	AgentMounted   map[string]bool
	AgentDirs      map[string]bool
	AgentImmutable map[string]bool

	// Errors injects a failure per command name
	Errors map[string]error

	calls []exec.Command
}

var _ exec.Executor = &Host{}

func NewHost() *Host {
	return &Host{
		Mounted:    map[string]bool{},
		Signatures: map[string]string{},
		Dirs:       map[string]bool{},
		Immutable:  map[string]bool{},
		Formatted:  map[string]bool{},

		AgentMounted:   map[string]bool{},
		AgentDirs:      map[string]bool{},
		AgentImmutable: map[string]bool{},

		Errors: map[string]error{},
	}
}

func (h *Host) view(ns exec.Namespaces) (mounted, dirs, immutable map[string]bool) {
	if ns == exec.HostNamespaces {
		return h.Mounted, h.Dirs, h.Immutable
	}
	return h.AgentMounted, h.AgentDirs, h.AgentImmutable
}

// Calls returns every command run so far.
func (h *Host) Calls() []exec.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]exec.Command(nil), h.calls...)
}

// CallsTo returns the commands whose program is name.
func (h *Host) CallsTo(name string) []exec.Command {
	var out []exec.Command
	for _, c := range h.Calls() {
		if c.Args[0] == name {
			out = append(out, c)
		}
	}
	return out
}

// Mutations returns the commands that change host state.
func (h *Host) Mutations() []exec.Command {
	var out []exec.Command
	for _, c := range h.Calls() {
		switch c.Args[0] {
		case types.MkfsCmd, types.TeeCmd, types.MkdirCmd, types.ChattrCmd, types.MountCmd:
			out = append(out, c)
		}
	}
	return out
}

func (h *Host) Run(_ context.Context, cmd exec.Command) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, cmd)
	name := cmd.Args[0]
	last := cmd.Args[len(cmd.Args)-1]

	if err := h.Errors[name]; err != nil {
		return "", err
	}
	mounted, dirs, immutable := h.view(cmd.Namespaces)

	switch name {
	case types.MountpointCmd:
		if mounted[last] {
			return "", nil
		}
		return "", &exec.CommandFailureError{Args: cmd.Args, ExitCode: 32}
	case types.WipefsCmd:
		if h.Formatted[last] {
			return fmt.Sprintf("DEVICE OFFSET TYPE UUID LABEL\n%s 0x438 ext4", last), nil
		}
		return h.Signatures[last], nil
	case types.CatCmd:
		return h.Fstab, nil
	case types.MkfsCmd:
		h.Formatted[last] = true
	case types.TeeCmd:
		h.Fstab = cmd.Stdin
	case types.MkdirCmd:
		dirs[last] = true
	case types.ChattrCmd:
		if !dirs[last] {
			return "", &exec.CommandFailureError{Args: cmd.Args, ExitCode: 1, Output: "No such file or directory"}
		}
		immutable[last] = true
	case types.MountCmd:
		if !dirs[last] {
			return "", &exec.CommandFailureError{Args: cmd.Args, ExitCode: 32, Output: "mount point does not exist"}
		}
		mounted[last] = true
	default:
		return "", &exec.CommandFailureError{Args: cmd.Args, ExitCode: 127, Output: "command not found"}
	}
	return "", nil
}
