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

package coderegion

import (
	"sync/atomic"
	"unsafe"
)

// atomicRegion is an atomic *Region usable from nosplit code.
type atomicRegion struct {
	p unsafe.Pointer
}

//go:nosplit
//go:norace
func (a *atomicRegion) load() *Region {
	return (*Region)(atomic.LoadPointer(&a.p))
}

func (a *atomicRegion) store(r *Region) {
	atomic.StorePointer(&a.p, unsafe.Pointer(r))
}

// atomicChunk is an atomic *chunk usable from nosplit code.
type atomicChunk struct {
	p unsafe.Pointer
}

//go:nosplit
//go:norace
func (a *atomicChunk) load() *chunk {
	return (*chunk)(atomic.LoadPointer(&a.p))
}

func (a *atomicChunk) store(c *chunk) {
	atomic.StorePointer(&a.p, unsafe.Pointer(c))
}
