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

package devicemanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
	"github.com/carina-io/localpv-agent/utils/exec"
)

// Timeouts bound each kind of host command.
type Timeouts struct {
	// Probe covers mountpoint, wipefs and reading the mount table
	Probe time.Duration
	// Format covers mkfs
	Format time.Duration
	// Write covers the mount table write, mkdir and chattr
	Write time.Duration
	Mount time.Duration
}

type Config struct {
	ByIDRoot      string
	RootMountPath string
	FstabPath     string
	// HostMountInfo is read after mounting to report what the host sees.
	HostMountInfo string
	Timeouts      Timeouts
}

// Processor turns one raw device into a mounted, boot persistent volume.
// It is not safe for concurrent use on the same host.
type Processor struct {
	config   Config
	executor exec.Executor
	log      *zap.SugaredLogger
}

func NewProcessor(config Config, executor exec.Executor, log *zap.SugaredLogger) *Processor {
	if config.ByIDRoot == "" {
		config.ByIDRoot = types.DefaultByIDRoot
	}
	if config.FstabPath == "" {
		config.FstabPath = types.DefaultFstabPath
	}
	return &Processor{config: config, executor: executor, log: log}
}

// Device maps a device id to its device and mount paths.
func (p *Processor) Device(id string) types.Device {
	return types.Device{
		ID:        id,
		Path:      filepath.Join(p.config.ByIDRoot, id),
		MountPath: filepath.Join(p.config.RootMountPath, id),
	}
}

// Process runs the state machine for one device. Nothing is written to the
// host unless both safety checks pass; any failure after that is reported
// as Failed and never retried.
func (p *Processor) Process(ctx context.Context, id string) types.Result {
	dev := p.Device(id)

	if reason := invalidID(id); reason != "" {
		return types.NewAborted(id, types.Unchecked, &types.SafetyAbortError{Device: id, Reason: reason})
	}

	mounted, err := p.isMountPoint(ctx, dev)
	if err != nil {
		return types.NewFailed(id, types.Unchecked, "probe mount point of", err)
	}
	if mounted {
		p.log.Infof("%s is already a mountpoint, nothing to do", dev.MountPath)
		return types.NewProcessed(id, types.MountedAlready)
	}
	p.log.Infof("%s is not mounted", dev.MountPath)

	table, result, ok := p.safetyCheck(ctx, dev)
	if !ok {
		return result
	}

	p.log.Infof("Formatting %s", dev.Path)
	if err := p.stream(ctx, p.config.Timeouts.Format, exec.OwnNamespaces, "", types.MkfsCmd, dev.Path); err != nil {
		return types.NewFailed(id, types.SafetyChecked, "format", err)
	}

	p.log.Infof("Writing %s to %s", dev.Path, p.config.FstabPath)
	if err := p.stream(ctx, p.config.Timeouts.Write, exec.OwnNamespaces, AppendRecord(table, dev.Record()), types.TeeCmd, p.config.FstabPath); err != nil {
		return types.NewFailed(id, types.Formatted, "register", err)
	}

	p.log.Infof("Creating mount path %s", dev.MountPath)
	if err := p.stream(ctx, p.config.Timeouts.Write, exec.HostNamespaces, "", types.MkdirCmd, "-p", dev.MountPath); err != nil {
		return types.NewFailed(id, types.Registered, "create mount path for", err)
	}

	p.log.Infof("Making mount path %s immutable", dev.MountPath)
	if err := p.stream(ctx, p.config.Timeouts.Write, exec.HostNamespaces, "", types.ChattrCmd, "+i", dev.MountPath); err != nil {
		return types.NewFailed(id, types.Registered, "make mount path immutable for", err)
	}

	p.log.Infof("Mounting %s at %s", dev.Path, dev.MountPath)
	if err := p.stream(ctx, p.config.Timeouts.Mount, exec.HostNamespaces, "",
		types.MountCmd, "-t", types.FsType, "-o", types.MountOptions, dev.Path, dev.MountPath); err != nil {
		return types.NewFailed(id, types.DirPrepared, "mount", err)
	}

	p.verifyHostMount(dev)
	return types.NewProcessed(id, types.Mounted)
}

// isMountPoint asks the host mount namespace, the one the device is mounted
// into. Any nonzero exit means "not a mount point"; a check that cannot start
// or times out is an error.
func (p *Processor) isMountPoint(ctx context.Context, dev types.Device) (bool, error) {
	_, err := p.capture(ctx, exec.HostNamespaces, types.MountpointCmd, "-q", dev.MountPath)
	if err == nil {
		return true, nil
	}
	var failure *exec.CommandFailureError
	if errors.As(err, &failure) && failure.ExitCode >= 0 {
		return false, nil
	}
	return false, err
}

// safetyCheck returns the current mount table content when the device may
// be formatted. Otherwise it returns the Aborted or Failed result.
func (p *Processor) safetyCheck(ctx context.Context, dev types.Device) (string, types.Result, bool) {
	p.log.Infof("Checking for existing file system inside %s", dev.Path)
	signatures, err := p.capture(ctx, exec.OwnNamespaces, types.WipefsCmd, "-a", "-n", dev.Path)
	if err != nil {
		return "", types.NewFailed(dev.ID, types.NeedsProvision, "probe file system signatures of", err), false
	}
	if strings.TrimSpace(signatures) != "" {
		p.log.Errorf("Device %s possibly contains an existing file system, wipefs test output: %s", dev.Path, signatures)
		return "", types.NewAborted(dev.ID, types.NeedsProvision, &types.SafetyAbortError{
			Device: dev.Path,
			Reason: "device possibly contains an existing file system",
			Output: signatures,
		}), false
	}

	p.log.Infof("Making sure %s does not already contain a reference to %s", p.config.FstabPath, dev.Path)
	table, err := p.capture(ctx, exec.OwnNamespaces, types.CatCmd, p.config.FstabPath)
	if err != nil {
		return "", types.NewFailed(dev.ID, types.NeedsProvision, "read mount table for", err), false
	}
	if ReferencesDevice(table, dev.Path) {
		conflicts := Conflicts(table, dev.Path)
		if len(conflicts) == 0 {
			p.log.Errorf("Device %s found inside %s as part of a longer path", dev.Path, p.config.FstabPath)
		} else {
			p.log.Errorf("Device %s found inside %s: %s", dev.Path, p.config.FstabPath, strings.Join(conflicts, "; "))
		}
		return "", types.NewAborted(dev.ID, types.NeedsProvision, &types.SafetyAbortError{
			Device: dev.Path,
			Reason: fmt.Sprintf("device is already referenced in %s", p.config.FstabPath),
			Output: strings.Join(conflicts, "\n"),
		}), false
	}

	return table, types.Result{}, true
}

func (p *Processor) capture(ctx context.Context, ns exec.Namespaces, args ...string) (string, error) {
	return p.executor.Run(ctx, exec.Command{
		Args:       args,
		Timeout:    p.config.Timeouts.Probe,
		Mode:       exec.ModeCapture,
		Namespaces: ns,
	})
}

func (p *Processor) stream(ctx context.Context, timeout time.Duration, ns exec.Namespaces, stdin string, args ...string) error {
	_, err := p.executor.Run(ctx, exec.Command{
		Args:       args,
		Stdin:      stdin,
		Timeout:    timeout,
		Mode:       exec.ModeStream,
		Namespaces: ns,
	})
	return err
}

// invalidID rejects ids that would resolve outside the by-id and mount roots.
func invalidID(id string) string {
	if id == "" || id == "." || id == ".." || strings.ContainsRune(id, '/') {
		return fmt.Sprintf("device id %q is not a single path element", id)
	}
	return ""
}
