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
	"errors"
	"testing"

	"gvisor.dev/trapguard/pkg/trap/marker"
)

const (
	testLandingPad = 0xfeed0000
	codeBase       = 0x1000
	codeLength     = 0x100
	protectedOff   = 0x10
	sandboxBase    = 0x2000
	sandboxLength  = 0x1000
)

// newTestDispatcher returns an enabled dispatcher with one code region and
// one sandbox, matching the canonical scenario.
func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New()
	if _, err := d.Regions().Register(codeBase, codeLength, []uint32{protectedOff}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !d.Sandboxes().Register(sandboxBase, sandboxLength) {
		t.Fatalf("sandbox Register failed")
	}
	if !d.Latch().TryEnable(false) {
		t.Fatalf("TryEnable failed")
	}
	d.SetLandingPad(testLandingPad)
	return d
}

// inGuest runs fn with a set marker on a dedicated thread.
func inGuest(t *testing.T, fn func(m *marker.Marker)) {
	t.Helper()
	done := make(chan error)
	go func() {
		m, err := marker.Acquire()
		if err != nil {
			done <- err
			return
		}
		defer m.Release()
		m.Enter()
		fn(m)
		m.Leave()
		done <- nil
	}()
	if err := <-done; err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestHandleRecovers(t *testing.T) {
	d := newTestDispatcher(t)
	if got := d.RecoveredTraps(); got != 0 {
		t.Fatalf("RecoveredTraps before fault: got %d, wanted 0", got)
	}
	var out Outcome
	inGuest(t, func(m *marker.Marker) {
		out = d.Handle(m, Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true})
	})
	want := Outcome{Handled: true, Redirect: testLandingPad, Reason: ReasonRecovered}
	if out != want {
		t.Errorf("Handle: got %+v, wanted %+v", out, want)
	}
	if got := d.RecoveredTraps(); got != 1 {
		t.Errorf("RecoveredTraps: got %d, wanted 1", got)
	}
}

func TestHandleOutsideSandbox(t *testing.T) {
	d := newTestDispatcher(t)
	var out Outcome
	inGuest(t, func(m *marker.Marker) {
		out = d.Handle(m, Fault{PC: 0x1010, Addr: 0x9999, AccessViolation: true})
	})
	if out.Handled || out.Reason != ReasonOutsideSandbox {
		t.Errorf("Handle: got %+v, wanted not handled (%v)", out, ReasonOutsideSandbox)
	}
	if got := d.RecoveredTraps(); got != 0 {
		t.Errorf("RecoveredTraps: got %d, wanted 0", got)
	}
}

func TestHandleRejections(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(d *Dispatcher)
		fault Fault
		unset bool
		want  Reason
	}{
		{
			name:  "disabled",
			setup: func(d *Dispatcher) { ResetLatch(d.Latch()); d.Latch().Disable() },
			fault: Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true},
			want:  ReasonDisabled,
		},
		{
			name:  "undecided",
			setup: func(d *Dispatcher) { ResetLatch(d.Latch()) },
			fault: Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true},
			want:  ReasonDisabled,
		},
		{
			name:  "not an access violation",
			fault: Fault{PC: 0x1010, Addr: 0x2040},
			want:  ReasonNotAccessViolation,
		},
		{
			name:  "marker unset",
			fault: Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true},
			unset: true,
			want:  ReasonNotInGuest,
		},
		{
			name:  "pc outside code",
			fault: Fault{PC: 0x5010, Addr: 0x2040, AccessViolation: true},
			want:  ReasonUnknownCode,
		},
		{
			name:  "unprotected instruction",
			fault: Fault{PC: 0x1011, Addr: 0x2040, AccessViolation: true},
			want:  ReasonUnprotectedInstruction,
		},
		{
			name:  "no landing pad",
			setup: func(d *Dispatcher) { d.SetLandingPad(0) },
			fault: Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true},
			want:  ReasonNoLandingPad,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			if tc.setup != nil {
				tc.setup(d)
			}
			var out Outcome
			inGuest(t, func(m *marker.Marker) {
				if tc.unset {
					m.Leave()
					defer m.Enter()
				}
				out = d.Handle(m, tc.fault)
			})
			if out.Handled || out.Reason != tc.want {
				t.Errorf("Handle: got %+v, wanted not handled (%v)", out, tc.want)
			}
			if got := d.RecoveredTraps(); got != 0 {
				t.Errorf("RecoveredTraps: got %d, wanted 0", got)
			}
		})
	}
}

func TestHandleNilMarker(t *testing.T) {
	d := newTestDispatcher(t)
	if out := d.Handle(nil, Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true}); out.Handled {
		t.Errorf("Handle with nil marker: got %+v, wanted not handled", out)
	}
}

// TestHandleEveryProtectedOffset checks every address of a region: exactly
// the protected offsets are recovered while in guest code, and nothing is
// recovered outside it.
func TestHandleEveryProtectedOffset(t *testing.T) {
	d := New()
	offsets := []uint32{0x0, 0x7, 0x10, 0x3f}
	protected := make(map[uintptr]bool)
	for _, off := range offsets {
		protected[codeBase+uintptr(off)] = true
	}
	if _, err := d.Regions().Register(codeBase, 0x40, offsets); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.Sandboxes().Register(sandboxBase, sandboxLength)
	d.Latch().TryEnable(false)
	d.SetLandingPad(testLandingPad)

	inGuest(t, func(m *marker.Marker) {
		for pc := uintptr(codeBase); pc < codeBase+0x40; pc++ {
			f := Fault{PC: pc, Addr: sandboxBase + 8, AccessViolation: true}
			if got := d.Handle(m, f).Handled; got != protected[pc] {
				t.Errorf("Handle(pc=%#x) in guest: got handled=%t, wanted %t", pc, got, protected[pc])
			}
			m.Leave()
			if d.Handle(m, f).Handled {
				t.Errorf("Handle(pc=%#x) outside guest: recovered", pc)
			}
			m.Enter()
		}
	})
	if got, want := d.RecoveredTraps(), uint64(len(offsets)); got != want {
		t.Errorf("RecoveredTraps: got %d, wanted %d", got, want)
	}
}

func TestHandleAfterRelease(t *testing.T) {
	d := New()
	h, err := d.Regions().Register(codeBase, codeLength, []uint32{protectedOff})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.Sandboxes().Register(sandboxBase, sandboxLength)
	d.Latch().TryEnable(false)
	d.SetLandingPad(testLandingPad)

	d.Regions().Release(h)
	d.Regions().Release(h)
	d.Sandboxes().Unregister(sandboxBase, sandboxLength)
	d.Sandboxes().Unregister(sandboxBase, sandboxLength)

	inGuest(t, func(m *marker.Marker) {
		if out := d.Handle(m, Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true}); out.Reason != ReasonUnknownCode {
			t.Errorf("Handle after release: got %+v, wanted %v", out, ReasonUnknownCode)
		}
	})
}

func TestErrorIs(t *testing.T) {
	var err error = &Error{PC: 0x1010, Addr: 0x2040}
	if !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("errors.Is(%v, ErrOutOfBounds): got false", err)
	}
	if got, want := err.Error(), "out of bounds memory access: address 0x2040, pc 0x1010"; got != want {
		t.Errorf("Error: got %q, wanted %q", got, want)
	}
}

func TestReasonString(t *testing.T) {
	if got := ReasonOutsideSandbox.String(); got != "outside-sandbox" {
		t.Errorf("String: got %q", got)
	}
	for r := ReasonRecovered; r <= ReasonNoLandingPad; r++ {
		got, err := ParseReason(r.String())
		if err != nil || got != r {
			t.Errorf("ParseReason(%q): got (%v, %v), wanted %v", r.String(), got, err, r)
		}
	}
	if _, err := ParseReason("bogus"); err == nil {
		t.Errorf("ParseReason(bogus) succeeded")
	}
	if got := Reason(200).String(); got != "unknown" {
		t.Errorf("String of invalid reason: got %q", got)
	}
}
