// Copyright 2018 The gVisor Authors.
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

//go:build linux
// +build linux

// Package sighandling installs raw signal handlers underneath the Go runtime.
package sighandling

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/trapguard/pkg/abi/linux"
)

// GetSignalAction returns the current action for sig.
func GetSignalAction(sig unix.Signal) (linux.SigAction, error) {
	var sa linux.SigAction
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), 0, uintptr(unsafe.Pointer(&sa)), linux.SignalSetSize, 0, 0); e != 0 {
		return sa, e
	}
	return sa, nil
}

// SetSignalAction installs sa as the action for sig.
func SetSignalAction(sig unix.Signal, sa *linux.SigAction) error {
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(sa)), 0, linux.SignalSetSize, 0, 0); e != 0 {
		return e
	}
	return nil
}

// ReplaceSignalHandler replaces the existing signal handler for the provided
// signal with the function pointer at `handler`. This bypasses the Go runtime
// signal handlers, and should only be used for low-level signal handlers where
// use of signal.Notify is not appropriate.
//
// It stores the previously set action in previous. The flags and mask of the
// previous action are kept, so the new handler runs under the same
// conditions (SA_SIGINFO, SA_ONSTACK) as the handler it replaces.
func ReplaceSignalHandler(sig unix.Signal, handler uintptr, previous *linux.SigAction) error {
	// Get the existing signal handler information, and save the current
	// handler. Once we replace it, we will use this pointer to fall back to
	// it when we receive other signals.
	sa, err := GetSignalAction(sig)
	if err != nil {
		return err
	}

	// Fail if there isn't a previous handler.
	if sa.Handler == linux.SIG_DFL || sa.Handler == linux.SIG_IGN {
		return fmt.Errorf("previous handler for signal %v isn't set", sig)
	}
	if sa.Flags&linux.SA_SIGINFO == 0 {
		return fmt.Errorf("previous handler for signal %v doesn't take siginfo", sig)
	}

	*previous = sa

	// Install our own handler.
	sa.Handler = uint64(handler)
	return SetSignalAction(sig, &sa)
}

// RestoreSignalHandler reinstalls an action saved by ReplaceSignalHandler.
//
// It fails if the current handler for sig is not `handler`, which means
// another component took over the signal in the meantime and restoring would
// drop its handler.
func RestoreSignalHandler(sig unix.Signal, handler uintptr, previous *linux.SigAction) error {
	cur, err := GetSignalAction(sig)
	if err != nil {
		return err
	}
	if cur.Handler != uint64(handler) {
		return fmt.Errorf("handler for signal %v was replaced: got %#x, wanted %#x", sig, cur.Handler, handler)
	}
	return SetSignalAction(sig, previous)
}
