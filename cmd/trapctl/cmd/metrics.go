// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/trapguard/cmd/trapctl/config"
	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/prometheus"
	"gvisor.dev/trapguard/pkg/trap"
)

var (
	recoveredTrapsMetric = &prometheus.Metric{
		Name: "recovered_traps_total",
		Type: prometheus.TypeCounter,
		Help: "Number of guest faults redirected to the landing pad.",
	}
	protectedRegionsMetric = &prometheus.Metric{
		Name: "protected_regions",
		Type: prometheus.TypeGauge,
		Help: "Number of live protected code regions.",
	}
	sandboxesMetric = &prometheus.Metric{
		Name: "sandboxes",
		Type: prometheus.TypeGauge,
		Help: "Number of live sandbox memory ranges.",
	}
	enabledMetric = &prometheus.Metric{
		Name: "recovery_enabled",
		Type: prometheus.TypeGauge,
		Help: "1 if fault recovery is enabled.",
	}
)

// snapshot returns the current statistics of d.
func snapshot(d *trap.Dispatcher) *prometheus.Snapshot {
	var enabled int64
	if d.Latch().IsEnabled() {
		enabled = 1
	}
	return prometheus.NewSnapshot().Add(
		prometheus.NewIntData(recoveredTrapsMetric, int64(d.RecoveredTraps())),
		prometheus.NewIntData(protectedRegionsMetric, int64(d.Regions().Len())),
		prometheus.NewIntData(sandboxesMetric, int64(d.Sandboxes().Len())),
		prometheus.NewIntData(enabledMetric, enabled),
	)
}

// writeMetrics writes the statistics of d in Prometheus format.
func writeMetrics(w io.Writer, d *trap.Dispatcher, prefix, header string, labels map[string]string) (int, error) {
	return prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader:  header,
		ExporterPrefix: prefix,
		ExtraLabels:    labels,
	}, snapshot(d))
}

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
	scenario       string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print trap statistics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<trapguard_>] [-scenario=<scenario.toml>] - prints trap statistics, after evaluating the scenario if one is given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "trapguard_", "Prefix for all metric names, following Prometheus exporter convention")
	f.StringVar(&m.scenario, "scenario", "", "Scenario file to evaluate before exporting.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	d := trap.Default
	header := "Statistics of the process-wide dispatcher"
	if m.scenario != "" {
		s, err := config.LoadScenario(m.scenario)
		if err != nil {
			Fatalf("%v", err)
			return subcommands.ExitFailure
		}
		d = trap.New()
		if _, err := evaluate(d, s); err != nil {
			Fatalf("evaluating scenario: %v", err)
			return subcommands.ExitFailure
		}
		header = fmt.Sprintf("Statistics after scenario %s", m.scenario)
	}
	written, err := writeMetrics(Output, d, m.exporterPrefix, header, map[string]string{"platform": conf.Platform})
	if err != nil {
		Fatalf("Cannot write metrics: %v", err)
		return subcommands.ExitFailure
	}
	log.Debugf("Wrote %d bytes of Prometheus metric data", written)
	return subcommands.ExitSuccess
}
