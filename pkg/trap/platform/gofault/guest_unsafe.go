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

package gofault

import (
	"unsafe"
)

// Load32 loads the 32-bit word at addr without any checks, the way
// bounds-check-free generated code accesses sandbox memory.
//
//go:noinline
//go:norace
func Load32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

// Store32 stores v at addr without any checks.
//
//go:noinline
//go:norace
func Store32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}
