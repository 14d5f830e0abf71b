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

// Package coderegion tracks the generated code objects that contain
// instructions allowed to fault.
//
// Registration and release are serialized by a spin lock. Lookups performed
// by the fault dispatcher take no lock at all: a Region is fully built before
// the single store that publishes it, and it is never written afterwards.
// Released regions are simply unpublished; the garbage collector reclaims
// them once no reader can still hold them.
package coderegion

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrZeroLength is returned when registering a zero-length region.
	ErrZeroLength = errors.New("code region has zero length")

	// ErrNoOffsets is returned when registering a region without any
	// protected instruction offsets.
	ErrNoOffsets = errors.New("code region has no protected offsets")

	// ErrOffsetOutOfRange is returned when a protected offset lies outside
	// the region.
	ErrOffsetOutOfRange = errors.New("protected offset outside code region")

	// ErrAddressOverflow is returned when base+length wraps around.
	ErrAddressOverflow = errors.New("code region wraps the address space")

	// ErrOverlap is returned when a region intersects a registered one.
	ErrOverlap = errors.New("code region overlaps a registered region")

	// ErrFull is returned when the registry has no free slot left.
	ErrFull = errors.New("code region registry is full")
)

// Region is a registered range of generated code, [Base, Base+Length), and
// the offsets of its instructions that may legitimately fault.
//
// A Region is immutable.
type Region struct {
	base   uintptr
	length uintptr

	// offsets is sorted and free of duplicates.
	offsets []uint32
}

func newRegion(base, length uintptr, offsets []uint32) (*Region, error) {
	if length == 0 {
		return nil, ErrZeroLength
	}
	if len(offsets) == 0 {
		return nil, ErrNoOffsets
	}
	if base+length < base {
		return nil, fmt.Errorf("%w: base %#x, length %#x", ErrAddressOverflow, base, length)
	}
	sorted := slices.Clone(offsets)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if last := sorted[len(sorted)-1]; uintptr(last) >= length {
		return nil, fmt.Errorf("%w: offset %#x, length %#x", ErrOffsetOutOfRange, last, length)
	}
	return &Region{
		base:    base,
		length:  length,
		offsets: slices.Clip(sorted),
	}, nil
}

// Base returns the first address of the region.
func (r *Region) Base() uintptr {
	return r.base
}

// Length returns the size of the region in bytes.
func (r *Region) Length() uintptr {
	return r.length
}

// End returns the address one past the region.
func (r *Region) End() uintptr {
	return r.base + r.length
}

// Offsets returns a copy of the protected offsets, in ascending order.
func (r *Region) Offsets() []uint32 {
	return slices.Clone(r.offsets)
}

// Contains reports whether pc lies within the region.
//
//go:nosplit
//go:norace
func (r *Region) Contains(pc uintptr) bool {
	return pc-r.base < r.length
}

// Protects reports whether pc is exactly one of the region's protected
// instructions.
//
//go:nosplit
//go:norace
func (r *Region) Protects(pc uintptr) bool {
	rel := pc - r.base
	if rel >= r.length || rel > 0xffffffff {
		return false
	}
	off := uint32(rel)
	lo, hi := 0, len(r.offsets)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if r.offsets[mid] < off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(r.offsets) && r.offsets[lo] == off
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("[%#x, %#x) with %d protected offsets", r.base, r.End(), len(r.offsets))
}
