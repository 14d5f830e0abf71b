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
	"math/rand/v2"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/trapguard/pkg/atomicbitops"
	"gvisor.dev/trapguard/pkg/trap"
	"gvisor.dev/trapguard/pkg/trap/coderegion"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	duration time.Duration
	readers  int
	writers  int
	regions  int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "race registry updates against fault-path lookups"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-duration=D] [-readers=N] [-writers=N] [-regions=N] - registers and releases code regions and sandboxes while readers look them up, and verifies that every lookup is consistent.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.duration, "duration", 2*time.Second, "how long to run.")
	f.IntVar(&s.readers, "readers", 4, "number of concurrent lookup workers.")
	f.IntVar(&s.writers, "writers", 2, "number of concurrent registration workers.")
	f.IntVar(&s.regions, "regions", 64, "regions each writer keeps registered at its peak.")
}

// stressStats counts the work done by a stress run.
type stressStats struct {
	lookups   atomicbitops.Uint64
	hits      atomicbitops.Uint64
	registers atomicbitops.Uint64
	releases  atomicbitops.Uint64
}

const (
	// stressStride separates the regions of one writer.
	stressStride = 0x1000
	// stressSpan is the address space owned by one writer.
	stressSpan = 1 << 24
)

// stress runs the workload on d until ctx is done or a check fails.
func (s *Stress) stress(ctx context.Context, d *trap.Dispatcher, st *stressStats) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.writers; w++ {
		base := uintptr(w+1) * stressSpan
		g.Go(func() error {
			for ctx.Err() == nil {
				var hs []coderegion.Handle
				for i := 0; i < s.regions; i++ {
					rb := base + uintptr(i)*stressStride
					h, err := d.Regions().Register(rb, stressStride/2, []uint32{0x10, 0x40})
					if err != nil {
						return fmt.Errorf("registering [%#x, +%#x): %w", rb, stressStride/2, err)
					}
					st.registers.Add(1)
					hs = append(hs, h)
					d.Sandboxes().Register(rb+stressStride/2, stressStride/2)
				}
				for i, h := range hs {
					rb := base + uintptr(i)*stressStride
					d.Regions().Release(h)
					d.Sandboxes().Unregister(rb+stressStride/2, stressStride/2)
					st.releases.Add(1)
				}
			}
			return nil
		})
	}
	for r := 0; r < s.readers; r++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				w := rand.N(s.writers)
				pc := uintptr(w+1)*stressSpan + uintptr(rand.N(s.regions*stressStride))
				st.lookups.Add(1)
				if reg := d.Regions().Reader().FindCovering(pc); reg != nil {
					st.hits.Add(1)
					if !reg.Contains(pc) {
						return fmt.Errorf("lookup of %#x returned %v", pc, reg)
					}
					if reg.Protects(pc) != (pc-reg.Base() == 0x10 || pc-reg.Base() == 0x40) {
						return fmt.Errorf("lookup of %#x: %v protects it inconsistently", pc, reg)
					}
				}
				if d.Sandboxes().Covers(pc) {
					off := (pc - uintptr(w+1)*stressSpan) % stressStride
					if off < stressStride/2 {
						return fmt.Errorf("address %#x covered outside any sandbox", pc)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.readers < 1 || s.writers < 1 || s.regions < 1 || s.regions > stressSpan/stressStride {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()

	var st stressStats
	d := trap.New()
	start := time.Now()
	if err := s.stress(ctx, d, &st); err != nil {
		Fatalf("stress failed: %v", err)
		return subcommands.ExitFailure
	}
	Infof("%v: %d lookups (%d hits), %d registrations, %d releases, %d regions left",
		time.Since(start).Round(time.Millisecond), st.lookups.Load(), st.hits.Load(), st.registers.Load(), st.releases.Load(), d.Regions().Len())
	return subcommands.ExitSuccess
}
