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
	"fmt"

	"gvisor.dev/trapguard/cmd/trapctl/config"
	"gvisor.dev/trapguard/pkg/trap"
	"gvisor.dev/trapguard/pkg/trap/marker"
)

// result is the decision for one scenario fault.
type result struct {
	fault   config.FaultSpec
	outcome trap.Outcome
	// ok is false if the decision differs from the expected one.
	ok bool
}

// apply sets up d as described by s.
func apply(d *trap.Dispatcher, s *config.Scenario) error {
	for i, r := range s.Regions {
		if _, err := d.Regions().Register(uintptr(r.Base), uintptr(r.Length), r.Offsets); err != nil {
			return fmt.Errorf("region #%d [%#x, %#x): %w", i, r.Base, r.Base+r.Length, err)
		}
	}
	for i, sb := range s.Sandboxes {
		if !d.Sandboxes().Register(uintptr(sb.Base), uintptr(sb.Length)) {
			return fmt.Errorf("sandbox #%d [%#x, +%#x): invalid range", i, sb.Base, sb.Length)
		}
	}
	if s.Enabled != nil {
		if *s.Enabled {
			d.Latch().TryEnable(false)
		} else {
			d.Latch().Disable()
		}
	}
	d.SetLandingPad(uintptr(s.LandingPad))
	return nil
}

// evaluate applies s to d and dispatches every fault of s on a thread with a
// marker, setting the marker for faults that are in guest code.
func evaluate(d *trap.Dispatcher, s *config.Scenario) ([]result, error) {
	expect := make([]trap.Reason, len(s.Faults))
	for i, f := range s.Faults {
		if f.Expect == "" {
			continue
		}
		r, err := trap.ParseReason(f.Expect)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		expect[i] = r
	}
	if err := apply(d, s); err != nil {
		return nil, err
	}

	results := make([]result, len(s.Faults))
	errc := make(chan error, 1)
	go func() {
		m, err := marker.Acquire()
		if err != nil {
			errc <- err
			return
		}
		defer m.Release()
		for i, f := range s.Faults {
			if f.InGuest {
				m.Enter()
			}
			out := d.Handle(m, trap.Fault{
				PC:              uintptr(f.PC),
				Addr:            uintptr(f.Addr),
				AccessViolation: f.AccessViolation,
			})
			if f.InGuest {
				m.Leave()
			}
			results[i] = result{
				fault:   f,
				outcome: out,
				ok:      f.Expect == "" || out.Reason == expect[i],
			}
		}
		errc <- nil
	}()
	if err := <-errc; err != nil {
		return nil, err
	}
	return results, nil
}
