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
	"gvisor.dev/trapguard/pkg/trap/platform"
)

// Load32 loads the 32-bit word at addr the way generated guest code does:
// with no bounds check. If the load faults and the fault is recovered at
// Load32LandingPad, Load32 returns (0, false).
//
// Load32 is implemented in assembly so that the faulting instruction and its
// landing pad share one frame.
func Load32(addr uintptr) (val uint32, ok bool)

// load32Insn and load32Pad are the tail of Load32. They are never called
// from Go.
func load32Insn(addr uintptr) (val uint32, ok bool)
func load32Pad(addr uintptr) (val uint32, ok bool)

func addrOfLoad32Insn() uintptr
func addrOfLoad32Pad() uintptr

// Load32Code returns the code range containing the faulting load of Load32.
// The load is at offset zero.
func Load32Code() (base, length uintptr) {
	base = addrOfLoad32Insn()
	return base, platform.FindEndAddress(base) - base
}

// Load32LandingPad returns the landing pad address for Load32.
func Load32LandingPad() uintptr {
	return addrOfLoad32Pad()
}
