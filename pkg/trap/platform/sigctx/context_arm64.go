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

//go:build arm64
// +build arm64

package sigctx

import (
	"unsafe"

	"gvisor.dev/trapguard/pkg/abi/linux"
)

// SignalContext64 is equivalent to struct sigcontext, the type passed as the
// second argument to signal handlers set by signal(2).
type SignalContext64 struct {
	FaultAddr uint64
	Regs      [31]uint64
	Sp        uint64
	Pc        uint64
	Pstate    uint64
	_pad      [8]byte // __attribute__((__aligned__(16)))
	// Reserved holds the FP/SIMD and extension records.
	Reserved [4096]uint8
}

// SignalStack represents information about a user stack, and is equivalent
// to stack_t.
type SignalStack struct {
	Addr  uint64
	Flags uint32
	_     uint32
	Size  uint64
}

// UContext64 is equivalent to ucontext on arm64(arch/arm64/include/uapi/asm/ucontext.h).
type UContext64 struct {
	Flags  uint64
	Link   uint64
	Stack  SignalStack
	Sigset linux.SignalSet
	// glibc uses a 1024-bit sigset_t
	_pad [(1024 - 64) / 8]byte
	// sigcontext must be aligned to 16-byte
	_pad2 [8]byte
	// last for future expansion
	MContext SignalContext64
}

// contextPC returns the interrupted program counter.
//
//go:nosplit
func contextPC(ctx unsafe.Pointer) uintptr {
	return uintptr((*UContext64)(ctx).MContext.Pc)
}

// setContextPC sets the program counter to resume at.
//
//go:nosplit
func setContextPC(ctx unsafe.Pointer, pc uintptr) {
	(*UContext64)(ctx).MContext.Pc = uint64(pc)
}
