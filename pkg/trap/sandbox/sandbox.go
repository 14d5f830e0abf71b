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

// Package sandbox tracks the memory ranges that a recoverable fault may
// access. A fault whose address lies outside every registered range is never
// recovered, whatever instruction raised it.
//
// Ranges form a singly linked list. Writers prepend and unlink under a spin
// lock; Covers walks the list without one. A node is fully built before the
// head is swung to it, and an unlinked node keeps its successor so that a
// reader standing on it can finish its walk.
package sandbox

import (
	"fmt"

	"gvisor.dev/trapguard/pkg/sync"
	"gvisor.dev/trapguard/pkg/trap/marker"
)

// node is one sandbox range. base and length are immutable.
type node struct {
	base   uintptr
	length uintptr
	next   atomicNode
}

// Range is a registered sandbox range, [Base, Base+Length).
type Range struct {
	Base   uintptr
	Length uintptr
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.Base+r.Length)
}

// Set is a set of sandbox ranges. An empty Set covers no address.
//
// The zero value is an empty set ready for use.
type Set struct {
	// mu serializes Register and Unregister. The dispatcher never takes it.
	mu sync.SpinMutex

	// head is the most recently registered live node.
	head atomicNode

	// count is the number of live nodes. Protected by mu.
	count int
}

func (s *Set) lock() {
	s.mu.Lock()
	marker.LockAcquired()
}

func (s *Set) unlock() {
	marker.LockReleased()
	s.mu.Unlock()
}

// Register adds [base, base+length). It returns false if the range is empty
// or wraps around the address space.
func (s *Set) Register(base, length uintptr) bool {
	if length == 0 || base+length < base {
		return false
	}
	n := &node{base: base, length: length}

	s.lock()
	defer s.unlock()
	n.next.store(s.head.load())
	// Publish.
	s.head.store(n)
	s.count++
	return true
}

// Unregister removes one range registered with exactly base and length. It
// returns false if there is none, so a repeated call is harmless.
func (s *Set) Unregister(base, length uintptr) bool {
	s.lock()
	defer s.unlock()

	var prev *node
	for cur := s.head.load(); cur != nil; prev, cur = cur, cur.next.load() {
		if cur.base != base || cur.length != length {
			continue
		}
		// cur.next is left as is: concurrent readers may be on cur.
		if prev == nil {
			s.head.store(cur.next.load())
		} else {
			prev.next.store(cur.next.load())
		}
		s.count--
		return true
	}
	return false
}

// Covers reports whether addr lies in any registered range. It neither locks
// nor allocates and is safe to call from a fault handler.
//
//go:nosplit
//go:norace
func (s *Set) Covers(addr uintptr) bool {
	for n := s.head.load(); n != nil; n = n.next.load() {
		if addr-n.base < n.length {
			return true
		}
	}
	return false
}

// Len returns the number of registered ranges.
func (s *Set) Len() int {
	s.lock()
	defer s.unlock()
	return s.count
}

// Ranges returns the registered ranges, most recent first.
func (s *Set) Ranges() []Range {
	s.lock()
	defer s.unlock()
	ranges := make([]Range, 0, s.count)
	for n := s.head.load(); n != nil; n = n.next.load() {
		ranges = append(ranges, Range{Base: n.base, Length: n.length})
	}
	return ranges
}
