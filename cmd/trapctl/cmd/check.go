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

	"github.com/google/subcommands"
	"gvisor.dev/trapguard/cmd/trapctl/config"
	"gvisor.dev/trapguard/pkg/trap"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "evaluate fault decisions described by a scenario file"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [-quiet] <scenario.toml> - dispatches the faults of a scenario and compares each decision to its expectation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.quiet, "quiet", false, "only print mismatches.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := config.LoadScenario(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
		return subcommands.ExitFailure
	}
	d := trap.New()
	results, err := evaluate(d, s)
	if err != nil {
		Fatalf("evaluating scenario: %v", err)
		return subcommands.ExitFailure
	}

	mismatches := 0
	for _, r := range results {
		status := "ok"
		if !r.ok {
			status = fmt.Sprintf("MISMATCH (expected %s)", r.fault.Expect)
			mismatches++
		} else if c.quiet {
			continue
		}
		fmt.Fprintf(Output, "%-24s pc=%#x addr=%#x handled=%t reason=%v %s\n",
			r.fault.Name, r.fault.PC, r.fault.Addr, r.outcome.Handled, r.outcome.Reason, status)
	}
	fmt.Fprintf(Output, "%d faults, %d mismatches, %d recovered\n", len(results), mismatches, d.RecoveredTraps())
	if mismatches > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
