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

//go:build linux
// +build linux

package marker

import (
	"sync/atomic"
	"unsafe"
)

// atomicPointer is an atomic *Marker whose accessors are safe on the fault
// path. It uses the untyped primitives directly so that nothing but
// compiler intrinsics is called from nosplit code.
type atomicPointer struct {
	p unsafe.Pointer
}

//go:nosplit
//go:norace
func (a *atomicPointer) load() *Marker {
	return (*Marker)(atomic.LoadPointer(&a.p))
}

func (a *atomicPointer) compareAndSwap(old, new *Marker) bool {
	return atomic.CompareAndSwapPointer(&a.p, unsafe.Pointer(old), unsafe.Pointer(new))
}
