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

package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace      string = "localpv"
	agentSubSystem string = "agent"
)

// Device result label values.
const (
	ResultMounted        = "mounted"
	ResultAlreadyMounted = "already_mounted"
	ResultAborted        = "aborted"
	ResultFailed         = "failed"
)

var results = []string{ResultMounted, ResultAlreadyMounted, ResultAborted, ResultFailed}

type typedFactorDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
}

func (d *typedFactorDesc) mustNewConstMetric(value float64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(d.desc, d.valueType, value, labels...)
}

var (
	devicesDesc = typedFactorDesc{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, agentSubSystem, "devices"),
			"Devices handled by the last batch, by result.",
			[]string{"node", "result"},
			nil,
		),
		valueType: prometheus.GaugeValue,
	}
	durationDesc = typedFactorDesc{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, agentSubSystem, "batch_duration_seconds"),
			"Duration of the last batch.",
			[]string{"node"},
			nil,
		),
		valueType: prometheus.GaugeValue,
	}
	successDesc = typedFactorDesc{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, agentSubSystem, "batch_success"),
			"Whether the last batch succeeded.",
			[]string{"node"},
			nil,
		),
		valueType: prometheus.GaugeValue,
	}
	clearedDesc = typedFactorDesc{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, agentSubSystem, "marker_cleared"),
			"Whether the last batch removed the node marker.",
			[]string{"node"},
			nil,
		),
		valueType: prometheus.GaugeValue,
	}
)

// Summary is the outcome of one batch as exported to prometheus.
type Summary struct {
	Node     string
	Devices  map[string]int
	Duration time.Duration
	Success  bool
	Cleared  bool
}

// BatchCollector implements the prometheus.Collector interface over a
// single batch summary.
type BatchCollector struct {
	summary Summary
}

var _ prometheus.Collector = &BatchCollector{}

func NewBatchCollector(summary Summary) *BatchCollector {
	return &BatchCollector{summary: summary}
}

// Describe implements the prometheus.Collector interface.
func (c *BatchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- devicesDesc.desc
	ch <- durationDesc.desc
	ch <- successDesc.desc
	ch <- clearedDesc.desc
}

// Collect implements the prometheus.Collector interface.
func (c *BatchCollector) Collect(ch chan<- prometheus.Metric) {
	node := c.summary.Node
	for _, result := range results {
		ch <- devicesDesc.mustNewConstMetric(float64(c.summary.Devices[result]), node, result)
	}
	ch <- durationDesc.mustNewConstMetric(c.summary.Duration.Seconds(), node)
	ch <- successDesc.mustNewConstMetric(boolValue(c.summary.Success), node)
	ch <- clearedDesc.mustNewConstMetric(boolValue(c.summary.Cleared), node)
}

// WriteTextfile writes the summary in the text exposition format for the
// node exporter textfile collector. The file is replaced atomically.
func WriteTextfile(path string, summary Summary) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewBatchCollector(summary)); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
