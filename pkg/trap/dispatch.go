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

package trap

import (
	"fmt"

	"gvisor.dev/trapguard/pkg/atomicbitops"
	"gvisor.dev/trapguard/pkg/trap/coderegion"
	"gvisor.dev/trapguard/pkg/trap/marker"
	"gvisor.dev/trapguard/pkg/trap/sandbox"
)

// Fault describes a hardware fault as seen by a platform adapter.
type Fault struct {
	// PC is the address of the faulting instruction.
	PC uintptr

	// Addr is the memory address whose access faulted.
	Addr uintptr

	// AccessViolation is true for invalid memory accesses. Other fault
	// classes are never recovered.
	AccessViolation bool
}

// Reason explains a dispatch decision.
type Reason uint8

// Dispatch decisions, in the order the checks are made.
const (
	ReasonRecovered Reason = iota
	ReasonDisabled
	ReasonNotAccessViolation
	ReasonNotInGuest
	ReasonUnknownCode
	ReasonUnprotectedInstruction
	ReasonOutsideSandbox
	ReasonNoLandingPad
)

var reasonNames = [...]string{
	ReasonRecovered:              "recovered",
	ReasonDisabled:               "disabled",
	ReasonNotAccessViolation:     "not-access-violation",
	ReasonNotInGuest:             "not-in-guest",
	ReasonUnknownCode:            "unknown-code",
	ReasonUnprotectedInstruction: "unprotected-instruction",
	ReasonOutsideSandbox:         "outside-sandbox",
	ReasonNoLandingPad:           "no-landing-pad",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// ParseReason returns the Reason whose String is s.
func ParseReason(s string) (Reason, error) {
	for r, name := range reasonNames {
		if name == s {
			return Reason(r), nil
		}
	}
	return 0, fmt.Errorf("unknown reason %q", s)
}

// Outcome is the dispatcher's decision for one fault.
type Outcome struct {
	// Handled is true if the fault was recovered; execution must resume
	// at Redirect.
	Handled bool

	// Redirect is the landing pad address. Valid only if Handled.
	Redirect uintptr

	// Reason explains the decision.
	Reason Reason
}

// Dispatcher decides whether a fault is a benign trap raised by guest code.
//
// A Dispatcher owns its registries, enablement latch, landing pad and
// counter. Handle is safe to call from a fault handler; everything else is
// for ordinary threads.
type Dispatcher struct {
	latch      Latch
	regions    coderegion.Registry
	sandboxes  sandbox.Set
	landingPad atomicbitops.Uintptr
	recovered  atomicbitops.Uint64
}

// New returns a Dispatcher with empty registries and an undecided latch.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Latch returns the enablement latch.
func (d *Dispatcher) Latch() *Latch {
	return &d.latch
}

// Regions returns the protected code registry.
func (d *Dispatcher) Regions() *coderegion.Registry {
	return &d.regions
}

// Sandboxes returns the sandbox registry.
func (d *Dispatcher) Sandboxes() *sandbox.Set {
	return &d.sandboxes
}

// SetLandingPad sets the address recovered faults resume at.
func (d *Dispatcher) SetLandingPad(addr uintptr) {
	d.landingPad.Store(addr)
}

// LandingPad returns the landing pad address, or zero if unset.
func (d *Dispatcher) LandingPad() uintptr {
	return d.landingPad.Load()
}

// RecoveredTraps returns the number of faults recovered so far.
func (d *Dispatcher) RecoveredTraps() uint64 {
	return d.recovered.Load()
}

// Handle decides whether f, raised on the thread owning m, is recoverable.
// m may be nil if the faulting thread has no marker.
//
// Cheap thread-local checks come first so that faults unrelated to guest
// code are rejected without scanning the registries.
//
// Handle neither locks, allocates nor grows the stack.
//
//go:nosplit
//go:norace
func (d *Dispatcher) Handle(m *marker.Marker, f Fault) Outcome {
	if !d.latch.enabled() {
		return Outcome{Reason: ReasonDisabled}
	}
	if !f.AccessViolation {
		return Outcome{Reason: ReasonNotAccessViolation}
	}
	if m == nil || !m.IsSet() {
		return Outcome{Reason: ReasonNotInGuest}
	}
	reg := d.regions.Reader().FindCovering(f.PC)
	if reg == nil {
		return Outcome{Reason: ReasonUnknownCode}
	}
	if !reg.Protects(f.PC) {
		return Outcome{Reason: ReasonUnprotectedInstruction}
	}
	if !d.sandboxes.Covers(f.Addr) {
		return Outcome{Reason: ReasonOutsideSandbox}
	}
	pad := d.landingPad.Load()
	if pad == 0 {
		return Outcome{Reason: ReasonNoLandingPad}
	}
	d.recovered.Add(1)
	return Outcome{Handled: true, Redirect: pad, Reason: ReasonRecovered}
}
