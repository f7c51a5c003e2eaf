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

package runners

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
	"github.com/carina-io/localpv-agent/pkg/metrics"
)

// MarkerReader lists the device ids pending on a node.
type MarkerReader interface {
	Read(ctx context.Context, nodeName string) ([]string, error)
}

// DeviceProcessor provisions one device.
type DeviceProcessor interface {
	Process(ctx context.Context, id string) types.Result
}

// MarkerClearer removes the marker from a node.
type MarkerClearer interface {
	Clear(ctx context.Context, nodeName string) error
}

// Batch provisions every device listed on one node, in order, and removes
// the marker once all of them reached a terminal state.
type Batch struct {
	node      string
	reader    MarkerReader
	processor DeviceProcessor
	clearer   MarkerClearer
	clock     clock.PassiveClock
	log       *zap.SugaredLogger

	// MetricsTextfile receives the batch metrics when set
	MetricsTextfile string
}

func NewBatch(node string, reader MarkerReader, processor DeviceProcessor, clearer MarkerClearer, clock clock.PassiveClock, log *zap.SugaredLogger) *Batch {
	return &Batch{
		node:      node,
		reader:    reader,
		processor: processor,
		clearer:   clearer,
		clock:     clock,
		log:       log,
	}
}

// Report describes one batch run.
type Report struct {
	Node string
	// Devices as read from the marker
	Devices []string
	// Results of the devices processed, in order
	Results  []types.Result
	Cleared  bool
	Duration time.Duration
	// Err is the abort reason or fatal error that stopped the batch
	Err error
}

// ExitCode is 0 when the batch completed and 1 on abort or any fatal error.
func (r Report) ExitCode() int {
	if r.Err != nil {
		return 1
	}
	return 0
}

// Summary counts the results for export.
func (r Report) Summary() metrics.Summary {
	devices := map[string]int{}
	for _, result := range r.Results {
		switch {
		case result.Outcome == types.Aborted:
			devices[metrics.ResultAborted]++
		case result.Outcome == types.Failed:
			devices[metrics.ResultFailed]++
		case result.State == types.MountedAlready:
			devices[metrics.ResultAlreadyMounted]++
		default:
			devices[metrics.ResultMounted]++
		}
	}
	return metrics.Summary{
		Node:     r.Node,
		Devices:  devices,
		Duration: r.Duration,
		Success:  r.Err == nil,
		Cleared:  r.Cleared,
	}
}

// Run never retries: the first abort or failure ends the batch and leaves
// the marker in place.
func (b *Batch) Run(ctx context.Context) Report {
	start := b.clock.Now()
	report := b.run(ctx)
	report.Duration = b.clock.Since(start)

	if report.Err != nil {
		b.log.Errorf("Batch on node %s stopped after %d of %d devices: %s",
			b.node, len(report.Results), len(report.Devices), report.Err)
	} else {
		b.log.Infof("Batch on node %s finished, %d devices in %s", b.node, len(report.Devices), report.Duration)
	}

	if b.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(b.MetricsTextfile, report.Summary()); err != nil {
			b.log.Warnf("Unable to export batch metrics: %s", err)
		}
	}
	return report
}

func (b *Batch) run(ctx context.Context) Report {
	report := Report{Node: b.node}

	ids, err := b.reader.Read(ctx, b.node)
	if err != nil {
		report.Err = err
		return report
	}
	report.Devices = ids
	b.log.Infof("Devices pending on node %s: %v", b.node, ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			report.Err = fmt.Errorf("batch interrupted before %s: %w", id, err)
			return report
		}

		b.log.Infof("Processing device %s", id)
		result := b.processor.Process(ctx, id)
		report.Results = append(report.Results, result)

		switch result.Outcome {
		case types.Aborted:
			b.log.Errorf("Device %s aborted in state %s, leaving the marker in place: %s", id, result.State, result.Err)
			report.Err = result.Err
			return report
		case types.Failed:
			b.log.Errorf("Device %s failed in state %s: %s", id, result.State, result.Err)
			report.Err = result.Err
			return report
		}
		if !result.State.Terminal() {
			report.Err = fmt.Errorf("device %s processed but left in state %s", id, result.State)
			return report
		}
		b.log.Infof("Device %s done: %s", id, result.State)
	}

	if err := b.clearer.Clear(ctx, b.node); err != nil {
		report.Err = err
		return report
	}
	report.Cleared = true
	return report
}
