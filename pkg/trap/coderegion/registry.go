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
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/trapguard/pkg/atomicbitops"
	"gvisor.dev/trapguard/pkg/sync"
	"gvisor.dev/trapguard/pkg/trap/marker"
)

const (
	// chunkShift is log2 of the number of slots per chunk.
	chunkShift = 6
	chunkSize  = 1 << chunkShift
	chunkMask  = chunkSize - 1

	// maxChunks bounds the registry at maxChunks*chunkSize regions.
	maxChunks = 1024
	maxSlots  = maxChunks * chunkSize

	// noFree terminates the free list.
	noFree = -1

	// btreeDegree is the degree of the overlap index.
	btreeDegree = 8
)

// Handle identifies a registered region. The zero Handle is never issued.
//
// The low 32 bits are the slot index; the high 32 bits are the slot's
// generation, so a stale handle cannot release a later occupant of the slot.
type Handle uint64

func makeHandle(idx int32, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(idx)))
}

func (h Handle) index() int32 {
	return int32(uint32(h))
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index(), h.generation())
}

// slot is one registry element. A slot is occupied while region is non-nil.
type slot struct {
	region atomicRegion

	// The fields below are protected by Registry.mu.

	// nextFree links free slots.
	nextFree int32

	// gen is bumped on every release. It starts at 1.
	gen uint32
}

type chunk [chunkSize]slot

// Registry is the set of registered code regions.
//
// The zero value is an empty registry ready for use.
type Registry struct {
	// mu serializes Register and Release. The dispatcher never takes it.
	mu sync.SpinMutex

	// chunks holds the slot storage. A chunk is published before size is
	// raised to cover it, and is never freed or moved.
	chunks [maxChunks]atomicChunk

	// size is the number of slots ever handed out. Readers scan [0, size).
	size atomicbitops.Uint32

	// The fields below are protected by mu.

	// freeHead is the first free slot, or noFree.
	freeHead int32

	// freeInit is set once freeHead has been initialized.
	freeInit bool

	// index orders live regions by base so overlaps are found without a
	// scan. It is never read by the dispatcher.
	index *btree.BTreeG[*Region]
}

func lessByBase(a, b *Region) bool {
	return a.base < b.base
}

func (r *Registry) lock() {
	r.mu.Lock()
	marker.LockAcquired()
	if !r.freeInit {
		r.freeHead = noFree
		r.index = btree.NewG(btreeDegree, lessByBase)
		r.freeInit = true
	}
}

func (r *Registry) unlock() {
	marker.LockReleased()
	r.mu.Unlock()
}

//go:nosplit
//go:norace
func (r *Registry) slot(idx uint32) *slot {
	return &r.chunks[idx>>chunkShift].load()[idx&chunkMask]
}

// Register publishes a new region covering [base, base+length) in which the
// instructions at the given offsets may fault. The offsets are copied.
func (r *Registry) Register(base, length uintptr, offsets []uint32) (Handle, error) {
	reg, err := newRegion(base, length, offsets)
	if err != nil {
		return 0, err
	}

	r.lock()
	defer r.unlock()

	if other := r.overlapping(reg); other != nil {
		return 0, fmt.Errorf("%w: %v intersects %v", ErrOverlap, reg, other)
	}
	idx, err := r.allocSlot()
	if err != nil {
		return 0, err
	}
	s := r.slot(uint32(idx))
	r.index.ReplaceOrInsert(reg)
	// This is the publishing store; reg must be complete by now.
	s.region.store(reg)
	return makeHandle(idx, s.gen), nil
}

// Release unpublishes the region identified by h. It returns false if h does
// not name a live region, which makes a repeated release harmless.
//
// The region's memory is left intact: a fault handler on another thread may
// still be reading it.
func (r *Registry) Release(h Handle) bool {
	r.lock()
	defer r.unlock()

	idx := h.index()
	if idx < 0 || uint32(idx) >= r.size.Load() {
		return false
	}
	s := r.slot(uint32(idx))
	reg := s.region.load()
	if reg == nil || s.gen != h.generation() {
		return false
	}
	s.region.store(nil)
	r.index.Delete(reg)
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.nextFree = r.freeHead
	r.freeHead = idx
	return true
}

// Len returns the number of live regions.
func (r *Registry) Len() int {
	r.lock()
	defer r.unlock()
	return r.index.Len()
}

// Regions returns the live regions ordered by base address.
func (r *Registry) Regions() []*Region {
	r.lock()
	defer r.unlock()
	regions := make([]*Region, 0, r.index.Len())
	r.index.Ascend(func(reg *Region) bool {
		regions = append(regions, reg)
		return true
	})
	return regions
}

// overlapping returns a live region intersecting reg, or nil.
//
// Preconditions: r.mu is held.
func (r *Registry) overlapping(reg *Region) *Region {
	var found *Region
	// The closest region starting at or below reg.
	r.index.DescendLessOrEqual(reg, func(prev *Region) bool {
		if prev.End() > reg.base {
			found = prev
		}
		return false
	})
	if found != nil {
		return found
	}
	// The closest region starting at or above reg.
	r.index.AscendGreaterOrEqual(reg, func(next *Region) bool {
		if next.base < reg.End() {
			found = next
		}
		return false
	})
	return found
}

// allocSlot returns a free slot index, growing the registry if needed.
//
// Preconditions: r.mu is held.
func (r *Registry) allocSlot() (int32, error) {
	if idx := r.freeHead; idx != noFree {
		r.freeHead = r.slot(uint32(idx)).nextFree
		return idx, nil
	}
	n := r.size.Load()
	if n >= maxSlots {
		return 0, ErrFull
	}
	if n&chunkMask == 0 {
		c := new(chunk)
		for i := range c {
			c[i].gen = 1
		}
		r.chunks[n>>chunkShift].store(c)
	}
	// Raising size makes the slot, and its chunk, visible to readers.
	r.size.Store(n + 1)
	return int32(n), nil
}

// Reader returns the lock-free, read-only view of r used by the dispatcher.
//
//go:nosplit
func (r *Registry) Reader() Reader {
	return Reader{r: r}
}

// Reader is a read-only view of a Registry. It is safe to use from a fault
// handler: it neither locks nor allocates.
type Reader struct {
	r *Registry
}

// FindCovering returns the live region containing pc, or nil.
//
//go:nosplit
//go:norace
func (rd Reader) FindCovering(pc uintptr) *Region {
	if rd.r == nil {
		return nil
	}
	n := rd.r.size.Load()
	for i := uint32(0); i < n; i++ {
		if reg := rd.r.slot(i).region.load(); reg != nil && reg.Contains(pc) {
			return reg
		}
	}
	return nil
}
