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

//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package sigctx

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/trapguard/pkg/abi/linux"
	"gvisor.dev/trapguard/pkg/cleanup"
	"gvisor.dev/trapguard/pkg/sighandling"
	"gvisor.dev/trapguard/pkg/trap"
	"gvisor.dev/trapguard/pkg/trap/marker"
	"gvisor.dev/trapguard/pkg/trap/platform"
)

// Name is the registered platform name.
const Name = "sigctx"

// sigtramp is the signal entry point. It calls handleSignal and, if the
// fault was not recovered, jumps to the saved handler for the signal.
func sigtramp()

// addrOfSigtramp returns the start address of sigtramp.
func addrOfSigtramp() uintptr

// savedSigSegv and savedSigBus are the actions replaced by Install. The
// trampoline jumps to their Handler fields, so they are written before
// sigtramp is installed and never cleared.
var (
	savedSigSegv linux.SigAction
	savedSigBus  linux.SigAction
)

// current is the *trap.Dispatcher receiving faults, or nil.
var current unsafe.Pointer

//go:nosplit
//go:norace
func loadCurrent() *trap.Dispatcher {
	return (*trap.Dispatcher)(atomic.LoadPointer(&current))
}

// handleSignal is called by sigtramp for every SIGSEGV and SIGBUS.
//
// It runs on the signal stack with the world possibly stopped, so it may
// only call functions that are marked go:nosplit and must not allocate.
//
//go:nosplit
//go:norace
func handleSignal(sig int32, info *linux.SignalInfo, ctx unsafe.Pointer) bool {
	d := loadCurrent()
	if d == nil {
		return false
	}
	out := d.Handle(marker.Current(), trap.Fault{
		PC:              contextPC(ctx),
		Addr:            uintptr(info.Addr()),
		AccessViolation: isAccessViolation(linux.Signal(sig), info),
	})
	if !out.Handled {
		return false
	}
	setContextPC(ctx, out.Redirect)
	return true
}

// isAccessViolation returns true if info describes an invalid memory access
// raised by the kernel. Signals sent from user space never qualify.
//
//go:nosplit
func isAccessViolation(sig linux.Signal, info *linux.SignalInfo) bool {
	if !info.FromKernel() {
		return false
	}
	switch sig {
	case linux.SIGSEGV:
		return info.Code == linux.SEGV_MAPERR || info.Code == linux.SEGV_ACCERR
	case linux.SIGBUS:
		return info.Code == linux.BUS_ADRERR
	default:
		return false
	}
}

// Platform implements platform.Platform.
//
// Signal handlers are process wide, so all instances share one installation.
type Platform struct{}

// Name implements platform.Platform.Name.
func (*Platform) Name() string {
	return Name
}

// Install implements platform.Platform.Install.
func (*Platform) Install(d *trap.Dispatcher) error {
	if !atomic.CompareAndSwapPointer(&current, nil, unsafe.Pointer(d)) {
		return platform.ErrAlreadyInstalled
	}
	cu := cleanup.Make(func() { atomic.StorePointer(&current, nil) })
	defer cu.Clean()

	tramp := addrOfSigtramp()
	if err := sighandling.ReplaceSignalHandler(unix.SIGSEGV, tramp, &savedSigSegv); err != nil {
		return fmt.Errorf("replacing %v handler: %w", linux.SIGSEGV, err)
	}
	cu.Add(func() { sighandling.RestoreSignalHandler(unix.SIGSEGV, tramp, &savedSigSegv) })
	if err := sighandling.ReplaceSignalHandler(unix.SIGBUS, tramp, &savedSigBus); err != nil {
		return fmt.Errorf("replacing %v handler: %w", linux.SIGBUS, err)
	}
	cu.Release()
	return nil
}

// Uninstall implements platform.Platform.Uninstall.
func (*Platform) Uninstall() error {
	if atomic.LoadPointer(&current) == nil {
		return platform.ErrNotInstalled
	}
	tramp := addrOfSigtramp()
	if err := sighandling.RestoreSignalHandler(unix.SIGBUS, tramp, &savedSigBus); err != nil {
		return fmt.Errorf("restoring %v handler: %w", linux.SIGBUS, err)
	}
	if err := sighandling.RestoreSignalHandler(unix.SIGSEGV, tramp, &savedSigSegv); err != nil {
		return fmt.Errorf("restoring %v handler: %w", linux.SIGSEGV, err)
	}
	atomic.StorePointer(&current, nil)
	return nil
}

type constructor struct{}

// New implements platform.Constructor.New.
func (constructor) New() (platform.Platform, error) {
	return &Platform{}, nil
}

// Supported implements platform.Constructor.Supported.
func (constructor) Supported() error {
	return nil
}

func init() {
	platform.Register(Name, constructor{})
}
