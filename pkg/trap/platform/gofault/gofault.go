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

// Package gofault is a platform that recovers guest faults delivered by the
// Go runtime.
//
// Guest calls run through Platform.Run with panic-on-fault enabled for the
// calling goroutine. A memory fault in the guest then unwinds as a runtime
// panic carrying the faulting address, and the frame interrupted by
// runtime.sigpanic carries the faulting instruction. Run hands both to the
// dispatcher; a recovered fault resumes at this package's landing pad, which
// returns a *trap.Error from Run. Any other panic continues unwinding.
package gofault

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/trap"
	"gvisor.dev/trapguard/pkg/trap/marker"
	"gvisor.dev/trapguard/pkg/trap/platform"
)

// Name is the registered platform name.
const Name = "gofault"

// ErrForeignLandingPad is returned by Install if the dispatcher already
// redirects to a landing pad that this platform cannot resume at.
var ErrForeignLandingPad = errors.New("dispatcher has a landing pad outside this platform")

// ErrNoFault is returned by Probe if the probed function did not fault.
var ErrNoFault = errors.New("function did not fault")

// sigpanic is the runtime function injected at the faulting instruction.
const sigpanic = "runtime.sigpanic"

// landingPad is where recovered guest faults resume.
//
//go:noinline
func landingPad(f trap.Fault) error {
	return &trap.Error{PC: f.PC, Addr: f.Addr}
}

// landingPadAddr is the entry of landingPad, used as the redirect target.
var landingPadAddr = reflect.ValueOf(landingPad).Pointer()

// LandingPad returns the address this platform resumes recovered faults at.
func LandingPad() uintptr {
	return landingPadAddr
}

// Platform implements platform.Platform.
type Platform struct {
	// d is the dispatcher faults are delivered to, or nil if the platform
	// is not installed.
	d atomic.Pointer[trap.Dispatcher]

	// ownsPad is set if Install set the dispatcher's landing pad.
	ownsPad atomic.Bool

	// recoveries logs recovered faults without flooding the log when a
	// guest faults in a loop.
	recoveries log.Logger
}

// New returns an uninstalled platform.
func New() *Platform {
	return &Platform{
		recoveries: log.BasicRateLimitedLogger(time.Second),
	}
}

// Name implements platform.Platform.Name.
func (*Platform) Name() string {
	return Name
}

// Install implements platform.Platform.Install.
//
// If d has no landing pad, it is set to LandingPad().
func (p *Platform) Install(d *trap.Dispatcher) error {
	if pad := d.LandingPad(); pad != 0 && pad != landingPadAddr {
		return fmt.Errorf("%w: %#x", ErrForeignLandingPad, pad)
	}
	if !p.d.CompareAndSwap(nil, d) {
		return platform.ErrAlreadyInstalled
	}
	if d.LandingPad() == 0 {
		d.SetLandingPad(landingPadAddr)
		p.ownsPad.Store(true)
	}
	return nil
}

// Uninstall implements platform.Platform.Uninstall.
func (p *Platform) Uninstall() error {
	d := p.d.Swap(nil)
	if d == nil {
		return platform.ErrNotInstalled
	}
	if p.ownsPad.Swap(false) {
		d.SetLandingPad(0)
	}
	return nil
}

// Run runs guest with m set. If guest faults and the dispatcher recovers the
// fault, Run returns a *trap.Error (matching trap.ErrOutOfBounds). Faults the
// dispatcher rejects, and all other panics, propagate to the caller.
//
// Preconditions: m is the calling thread's marker and is not set.
func (p *Platform) Run(m *marker.Marker, guest func()) (err error) {
	d := p.d.Load()
	if d == nil {
		return platform.ErrNotInstalled
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	m.Enter()
	defer func() {
		r := recover()
		if r == nil {
			m.Leave()
			return
		}
		f, ok := capture(r)
		var out trap.Outcome
		if ok {
			out = d.Handle(m, f)
		}
		m.Leave()
		if !out.Handled {
			panic(r)
		}
		err = p.resume(out, f)
	}()
	guest()
	return nil
}

// resume transfers control to the landing pad chosen by the dispatcher.
func (p *Platform) resume(out trap.Outcome, f trap.Fault) error {
	if out.Redirect != landingPadAddr {
		panic(fmt.Sprintf("gofault: cannot resume at landing pad %#x", out.Redirect))
	}
	p.recoveries.Debugf("Recovered guest fault at pc %#x, address %#x", f.PC, f.Addr)
	return landingPad(f)
}

// Probe runs fn with panic-on-fault enabled and returns the fault it raised,
// without consulting any dispatcher. Panics other than faults propagate.
//
// Probe is used to find the offsets of faulting instructions in code that is
// about to be registered.
func Probe(fn func()) (f trap.Fault, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var ok bool
		if f, ok = capture(r); !ok || !f.AccessViolation {
			panic(r)
		}
		err = nil
	}()
	fn()
	return trap.Fault{}, ErrNoFault
}

// capture converts a recovered panic into a fault. It must be called from
// the deferred function that recovered r, while the panicking frames are
// still on the stack.
func capture(r any) (trap.Fault, bool) {
	rerr, ok := r.(runtime.Error)
	if !ok {
		return trap.Fault{}, false
	}
	pc, ok := faultPC()
	if !ok {
		return trap.Fault{}, false
	}
	f := trap.Fault{PC: pc}
	if a, ok := rerr.(interface{ Addr() uintptr }); ok {
		f.Addr = a.Addr()
		f.AccessViolation = true
	}
	return f, true
}

// faultPC returns the PC of the instruction that raised the current panic.
//
// The runtime injects a call to sigpanic at the faulting instruction, so the
// frame below sigpanic is the interrupted one, and its PC is the faulting
// instruction itself rather than a return address.
func faultPC() (uintptr, bool) {
	var pcs [64]uintptr
	n := runtime.Callers(1, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == sigpanic {
			if !more {
				return 0, false
			}
			next, _ := frames.Next()
			return next.PC, true
		}
		if !more {
			return 0, false
		}
	}
}

type constructor struct{}

// New implements platform.Constructor.New.
func (constructor) New() (platform.Platform, error) {
	return New(), nil
}

// Supported implements platform.Constructor.Supported.
func (constructor) Supported() error {
	return nil
}

func init() {
	platform.Register(Name, constructor{})
}
