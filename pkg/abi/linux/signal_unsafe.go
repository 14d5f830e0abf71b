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

// Package linux contains the subset of the Linux signal ABI needed to take
// over fault signals.
package linux

import (
	"fmt"
	"unsafe"
)

const (
	// SignalMaximum is the highest valid signal number.
	SignalMaximum = 64
)

// Signal is a signal number.
type Signal int

// IsValid returns true if s is a valid standard or realtime signal. (0 is not
// considered valid; interfaces special-case signal 0 as "no signal".)
func (s Signal) IsValid() bool {
	return s > 0 && s <= SignalMaximum
}

// Index returns the index for signal s into arrays of both standard and
// realtime signals (e.g. signal masks).
//
// Preconditions: s.IsValid().
func (s Signal) Index() int {
	return int(s - 1)
}

// String implements fmt.Stringer.
func (s Signal) String() string {
	switch s {
	case SIGSEGV:
		return "SIGSEGV"
	case SIGBUS:
		return "SIGBUS"
	default:
		return fmt.Sprintf("signal %d", int(s))
	}
}

// Signals that carry memory faults.
const (
	SIGBUS  = Signal(7)
	SIGSEGV = Signal(11)
)

// SignalSet is a signal mask with a bit corresponding to each signal.
type SignalSet uint64

// SignalSetSize is the size in bytes of a SignalSet.
const SignalSetSize = 8

// MakeSignalSet returns SignalSet with the bit corresponding to each of the
// given signals set.
func MakeSignalSet(sigs ...Signal) SignalSet {
	var set SignalSet
	for _, sig := range sigs {
		set |= 1 << uint(sig.Index())
	}
	return set
}

// Signal action flags for rt_sigaction(2), from uapi/asm-generic/signal.h.
const (
	SA_SIGINFO  = 0x00000004
	SA_RESTORER = 0x04000000
	SA_ONSTACK  = 0x08000000
	SA_RESTART  = 0x10000000
	SA_NODEFER  = 0x40000000
)

// Signal dispositions, from uapi/asm-generic/signal-defs.h.
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

// Signal info types, from uapi/asm-generic/siginfo.h.
const (
	// SI_USER is sent by kill, sigsend or raise.
	SI_USER = 0

	// SI_KERNEL is sent by the kernel.
	SI_KERNEL = 0x80

	// SI_QUEUE is sent by sigqueue. It, and every other negative code,
	// originates in user space.
	SI_QUEUE = -1
)

// SIGSEGV si_codes.
const (
	// SEGV_MAPERR indicates an address not mapped to an object.
	SEGV_MAPERR = 1

	// SEGV_ACCERR indicates invalid permissions for a mapped object.
	SEGV_ACCERR = 2
)

// SIGBUS si_codes.
const (
	// BUS_ADRALN indicates invalid address alignment.
	BUS_ADRALN = 1

	// BUS_ADRERR indicates a non-existent physical address.
	BUS_ADRERR = 2

	// BUS_OBJERR indicates an object specific hardware error.
	BUS_OBJERR = 3
)

// SigAction represents struct sigaction as passed to rt_sigaction(2).
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     SignalSet
}

// SignalInfo represents information about a signal being delivered, and is
// equivalent to struct siginfo in linux kernel(linux/include/uapi/asm-generic/siginfo.h).
type SignalInfo struct {
	Signo int32 // Signal number
	Errno int32 // Errno value
	Code  int32 // Signal code
	_     uint32

	// struct siginfo::_sifields is a union. In SignalInfo, fields in the union
	// are accessed through methods.
	//
	// For reference, here is the definition of _sifields: (_sigfault._trapno,
	// which existed in 2.6.32, is omitted since it only exists on alpha.)
	//
	// union {
	//     /* SIGSEGV, SIGILL, SIGFPE, SIGBUS, SIGTRAP, SIGEMT */
	//     struct {
	//         void *_addr; /* faulting insn/memory ref. */
	//         short _addr_lsb; /* LSB of the reported address */
	//     } _sigfault;
	//
	//     ...
	// } _sifields;
	//
	// _sifields is padded so that siginfo is SI_MAX_SIZE = 128 bytes.
	Fields [128 - 16]byte
}

// FromKernel returns true if the signal was generated by the kernel rather
// than sent from user space.
//
//go:nosplit
func (s *SignalInfo) FromKernel() bool {
	return s.Code > 0
}

// Addr returns the si_addr field.
//
// Both supported architectures are little endian, so the field is read in
// place. This is called from signal context and must not split the stack.
//
//go:nosplit
func (s *SignalInfo) Addr() uint64 {
	return *(*uint64)(unsafe.Pointer(&s.Fields[0]))
}

// SetAddr sets the si_addr field.
func (s *SignalInfo) SetAddr(val uint64) {
	*(*uint64)(unsafe.Pointer(&s.Fields[0])) = val
}
