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

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Scenario describes a dispatcher state and the faults to evaluate against
// it. It is read from a TOML file, for example:
//
//	enabled = true
//	landing_pad = 0xfeed0000
//
//	[[region]]
//	base = 0x1000
//	length = 0x100
//	offsets = [0x10]
//
//	[[sandbox]]
//	base = 0x2000
//	length = 0x1000
//
//	[[fault]]
//	name = "in bounds"
//	pc = 0x1010
//	addr = 0x2040
//	access_violation = true
//	in_guest = true
//	expect = "recovered"
type Scenario struct {
	// Enabled decides the enablement latch. If unset, the latch is left
	// undecided, which reads as disabled.
	Enabled *bool `toml:"enabled"`

	// LandingPad is the redirect target for recovered faults.
	LandingPad uint64 `toml:"landing_pad"`

	Regions   []RegionSpec  `toml:"region"`
	Sandboxes []SandboxSpec `toml:"sandbox"`
	Faults    []FaultSpec   `toml:"fault"`
}

// RegionSpec is a protected code region.
type RegionSpec struct {
	Base    uint64   `toml:"base"`
	Length  uint64   `toml:"length"`
	Offsets []uint32 `toml:"offsets"`
}

// SandboxSpec is a sandbox memory range.
type SandboxSpec struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
}

// FaultSpec is a fault to dispatch and its expected outcome.
type FaultSpec struct {
	Name            string `toml:"name"`
	PC              uint64 `toml:"pc"`
	Addr            uint64 `toml:"addr"`
	AccessViolation bool   `toml:"access_violation"`
	InGuest         bool   `toml:"in_guest"`

	// Expect is the expected decision, named as trap.Reason prints it.
	// Empty means any decision is accepted.
	Expect string `toml:"expect"`
}

// LoadScenario reads a scenario file. Unknown keys are rejected, so that a
// misspelled key does not silently change the scenario.
func LoadScenario(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("decoding scenario %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("scenario %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	for i, f := range s.Faults {
		if f.Name == "" {
			s.Faults[i].Name = fmt.Sprintf("fault #%d", i)
		}
	}
	return &s, nil
}
