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
	"errors"
	"flag"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/trapguard/cmd/trapctl/config"
	"gvisor.dev/trapguard/pkg/cleanup"
	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/trap"
	"gvisor.dev/trapguard/pkg/trap/marker"
	"gvisor.dev/trapguard/pkg/trap/platform"
	"gvisor.dev/trapguard/pkg/trap/platform/gofault"
	"gvisor.dev/trapguard/pkg/trap/platform/sigctx"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	loads   int
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run unchecked guest loads against a guarded sandbox"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [-loads=N] [-metrics] - maps a sandbox followed by an inaccessible guard page, then runs guest loads alternating between the sandbox and the guard page. Faults on the guard page are recovered.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.loads, "loads", 16, "number of guest loads; every other load hits the guard page.")
	f.BoolVar(&d.metrics, "metrics", false, "print statistics in Prometheus format when done.")
}

// guardedSandbox is a sandbox page followed by an inaccessible guard page.
// Both pages are registered as sandbox memory.
type guardedSandbox struct {
	mem   []byte
	base  uintptr
	guard uintptr
}

func mapGuardedSandbox() (*guardedSandbox, error) {
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 2*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping sandbox: %w", err)
	}
	if err := unix.Mprotect(mem[pageSize:], unix.PROT_NONE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("protecting guard page: %w", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	return &guardedSandbox{mem: mem, base: base, guard: base + uintptr(pageSize)}, nil
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if !trap.IsEnabled() {
		Fatalf("fault recovery is disabled; guard page loads would crash")
		return subcommands.ExitFailure
	}

	sb, err := mapGuardedSandbox()
	if err != nil {
		Fatalf("%v", err)
		return subcommands.ExitFailure
	}
	cu := cleanup.Make(func() { unix.Munmap(sb.mem) })
	defer cu.Clean()

	if !trap.RegisterSandbox(sb.base, uintptr(len(sb.mem))) {
		Fatalf("registering sandbox [%#x, +%#x) failed", sb.base, len(sb.mem))
		return subcommands.ExitFailure
	}
	cu.Add(func() { trap.UnregisterSandbox(sb.base, uintptr(len(sb.mem))) })

	p := platform.Installed()
	if p == nil {
		if p, err = platform.Install(conf.Platform, trap.Default); err != nil {
			Fatalf("%v", err)
			return subcommands.ExitFailure
		}
		cu.Add(func() { platform.Uninstall() })
	}

	var run func(addrs []uintptr) (int, error)
	switch p := p.(type) {
	case *gofault.Platform:
		run, err = prepareGofault(p, sb, cu.Add)
	case *sigctx.Platform:
		run, err = prepareSigctx(cu.Add)
	default:
		err = fmt.Errorf("platform %q cannot run the demo", p.Name())
	}
	if err != nil {
		Fatalf("%v", err)
		return subcommands.ExitFailure
	}

	pageSize := int(sb.guard - sb.base)
	addrs := make([]uintptr, d.loads)
	for i := range addrs {
		if i%2 == 0 {
			addrs[i] = sb.base + uintptr(i*4%pageSize)
		} else {
			addrs[i] = sb.guard
		}
	}
	before := trap.RecoveredTrapCount()
	recovered, err := run(addrs)
	if err != nil {
		Fatalf("%v", err)
		return subcommands.ExitFailure
	}
	Infof("%d guest loads on platform %s, %d recovered (counter %d -> %d)",
		len(addrs), p.Name(), recovered, before, trap.RecoveredTrapCount())
	if d.metrics {
		if _, err := writeMetrics(Output, trap.Default, "trapguard_", "Statistics after demo", map[string]string{"platform": p.Name()}); err != nil {
			Fatalf("Cannot write metrics: %v", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// prepareGofault registers the code of gofault.Load32 and returns a runner
// that performs each load through p.Run.
func prepareGofault(p *gofault.Platform, sb *guardedSandbox, onClean func(func())) (func([]uintptr) (int, error), error) {
	probe, err := gofault.Probe(func() { gofault.Load32(sb.guard) })
	if err != nil {
		return nil, fmt.Errorf("locating guest load: %w", err)
	}
	code, length := platform.FuncRange(gofault.Load32)
	h, err := trap.RegisterProtectedRegion(code, length, []uint32{uint32(probe.PC - code)})
	if err != nil {
		return nil, fmt.Errorf("registering guest code: %w", err)
	}
	onClean(func() { trap.ReleaseProtectedRegion(h) })
	log.Debugf("Guest load at %#x in [%#x, %#x)", probe.PC, code, code+length)

	return func(addrs []uintptr) (int, error) {
		return onGuestThread(func(m *marker.Marker) (int, error) {
			recovered := 0
			for _, addr := range addrs {
				err := p.Run(m, func() { gofault.Load32(addr) })
				switch {
				case err == nil:
				case errors.Is(err, trap.ErrOutOfBounds):
					recovered++
				default:
					return recovered, err
				}
			}
			return recovered, nil
		})
	}, nil
}

// prepareSigctx registers the code of sigctx.Load32 and returns a runner
// that sets the thread's marker word directly, as generated code does.
func prepareSigctx(onClean func(func())) (func([]uintptr) (int, error), error) {
	code, length := sigctx.Load32Code()
	h, err := trap.RegisterProtectedRegion(code, length, []uint32{0})
	if err != nil {
		return nil, fmt.Errorf("registering guest code: %w", err)
	}
	onClean(func() { trap.ReleaseProtectedRegion(h) })
	trap.SetLandingPad(sigctx.Load32LandingPad())

	return func(addrs []uintptr) (int, error) {
		type res struct {
			recovered int
			err       error
		}
		done := make(chan res)
		go func() {
			word, err := trap.ThreadLocalMarkerAddress()
			if err != nil {
				done <- res{err: err}
				return
			}
			defer trap.ReleaseThreadMarker()
			recovered := 0
			for _, addr := range addrs {
				atomic.StoreUint32(word, 1)
				_, ok := sigctx.Load32(addr)
				atomic.StoreUint32(word, 0)
				if !ok {
					recovered++
				}
			}
			done <- res{recovered: recovered}
		}()
		r := <-done
		return r.recovered, r.err
	}, nil
}

// onGuestThread runs fn on a new thread with a marker.
func onGuestThread(fn func(m *marker.Marker) (int, error)) (int, error) {
	type res struct {
		n   int
		err error
	}
	done := make(chan res)
	go func() {
		m, err := marker.Acquire()
		if err != nil {
			done <- res{err: err}
			return
		}
		defer m.Release()
		n, err := fn(m)
		done <- res{n: n, err: err}
	}()
	r := <-done
	return r.n, r.err
}
