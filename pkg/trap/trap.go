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

// Package trap recovers from hardware faults raised by sandboxed guest code
// that relies on memory protection instead of explicit bounds checks.
//
// A fault is recovered only if all of the following hold: recovery is
// enabled, the fault is an access violation, the faulting thread is marked as
// running guest code, the faulting instruction is one of the protected
// instructions of a registered code region, and the accessed address lies in
// a registered sandbox. A recovered fault resumes at the landing pad; every
// other fault is passed on untouched.
//
// The functions in this file operate on the process-wide Default dispatcher.
// Platform adapters, in package platform and below, connect a Dispatcher to
// the way the operating system delivers faults.
package trap

import (
	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/trap/coderegion"
	"gvisor.dev/trapguard/pkg/trap/marker"
)

// Default is the process-wide dispatcher.
var Default = New()

// RegisterProtectedRegion registers generated code at [base, base+length)
// whose instructions at the given offsets may fault.
func RegisterProtectedRegion(base, length uintptr, offsets []uint32) (coderegion.Handle, error) {
	h, err := Default.Regions().Register(base, length, offsets)
	if err != nil {
		return 0, err
	}
	log.Debugf("Registered protected code [%#x, %#x) as %v with %d offsets", base, base+length, h, len(offsets))
	return h, nil
}

// ReleaseProtectedRegion releases a region returned by
// RegisterProtectedRegion. Releasing twice is harmless.
func ReleaseProtectedRegion(h coderegion.Handle) {
	if !Default.Regions().Release(h) {
		log.Debugf("Release of unknown protected region %v ignored", h)
	}
}

// RegisterSandbox declares [base, base+length) as memory that recoverable
// faults may access.
func RegisterSandbox(base, length uintptr) bool {
	ok := Default.Sandboxes().Register(base, length)
	if ok {
		log.Debugf("Registered sandbox [%#x, %#x)", base, base+length)
	}
	return ok
}

// UnregisterSandbox removes a range added by RegisterSandbox.
func UnregisterSandbox(base, length uintptr) {
	if !Default.Sandboxes().Unregister(base, length) {
		log.Debugf("Unregister of unknown sandbox [%#x, %#x) ignored", base, base+length)
	}
}

// Enable enables fault recovery. It only has an effect, and only returns
// true, if no decision was made before.
func Enable(useDefaultHandler bool) bool {
	if !Default.Latch().TryEnable(useDefaultHandler) {
		log.Warningf("Fault recovery already decided (enabled=%t); enable request ignored", Default.Latch().IsEnabled())
		return false
	}
	log.Infof("Fault recovery enabled (default handler: %t)", useDefaultHandler)
	return true
}

// Disable disables fault recovery if no decision was made before.
func Disable() {
	if !Default.Latch().Disable() {
		log.Warningf("Fault recovery already decided (enabled=%t); disable request ignored", Default.Latch().IsEnabled())
		return
	}
	log.Infof("Fault recovery disabled")
}

// IsEnabled reports whether fault recovery is enabled. Asking freezes the
// decision.
func IsEnabled() bool {
	return Default.Latch().IsEnabled()
}

// SetLandingPad sets the address recovered faults resume at.
func SetLandingPad(addr uintptr) {
	if old := Default.LandingPad(); old != 0 && old != addr {
		log.Warningf("Replacing landing pad %#x with %#x", old, addr)
	}
	Default.SetLandingPad(addr)
}

// ThreadLocalMarkerAddress returns the address of the calling thread's
// execution marker, creating the marker (and locking the calling goroutine
// to its thread) if the thread has none. Generated code stores a nonzero
// value there on guest entry and zero on exit.
//
// The marker lives until ReleaseThreadMarker is called on the same thread,
// or until the calling goroutine exits, which ends the thread.
func ThreadLocalMarkerAddress() (*uint32, error) {
	m := marker.Owned()
	if m == nil {
		var err error
		if m, err = marker.Acquire(); err != nil {
			return nil, err
		}
	}
	return m.Addr(), nil
}

// ReleaseThreadMarker releases the calling thread's execution marker and
// unlocks the calling goroutine from its thread. It returns false if the
// thread has no marker.
//
// Preconditions: the marker is not set.
func ReleaseThreadMarker() bool {
	m := marker.Owned()
	if m == nil {
		return false
	}
	m.Release()
	return true
}

// RecoveredTrapCount returns the number of faults recovered by Default.
func RecoveredTrapCount() uint64 {
	return Default.RecoveredTraps()
}
