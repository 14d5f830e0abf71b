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

// Package marker implements the per-thread flag that tells the fault
// dispatcher whether the faulting thread is running guest code that is
// allowed to trap.
//
// A Marker is owned by exactly one OS thread. Only that thread writes it;
// the dispatcher reads it from the same thread while handling a fault.
// Acquire pins the calling goroutine to its thread for the marker's lifetime.
// If the goroutine exits without Release, the Go runtime terminates the
// thread, and the marker is reclaimed by a later Acquire.
package marker

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"gvisor.dev/trapguard/pkg/atomicbitops"
	"gvisor.dev/trapguard/pkg/sync"
	"gvisor.dev/trapguard/pkg/trap/internal/invariant"
)

// maxThreads bounds the number of threads that may hold a marker at once.
const maxThreads = 4096

// inGuest is the marker value while guest code runs.
const inGuest = 1

var (
	// ErrAlreadyAcquired is returned by Acquire when the calling thread
	// already owns a marker.
	ErrAlreadyAcquired = errors.New("thread already owns an execution marker")

	// ErrTooManyThreads is returned by Acquire when the marker table is full.
	ErrTooManyThreads = errors.New("too many threads with execution markers")
)

// Marker is a thread's execution marker.
type Marker struct {
	// state is inGuest while the thread runs trap-relying guest code, and
	// zero otherwise. Generated code may store to it directly via Addr.
	state atomicbitops.Uint32

	// tid is the owning thread. Immutable.
	tid int32

	// start is the owning thread's start time in clock ticks since boot.
	// Together with tid it identifies the thread, since tids are reused.
	// Immutable.
	start uint64

	// slot is the index of this marker in table. Immutable.
	slot int32

	// locks is the number of registry locks the owning thread holds. It is
	// only maintained with invariant checks enabled, and only touched by
	// the owning thread.
	locks int32
}

// table holds the published markers. Slots are claimed with a CAS and
// cleared on Release or when their thread is found dead; readers scan
// [0, highWater) without locking.
var (
	table     [maxThreads]atomicPointer
	highWater atomicbitops.Uint32
)

// acquireMu serializes Acquire, so that reaping never races with the
// publication of a marker for a reused tid.
var acquireMu sync.Mutex

// tasks is /proc/self/task, opened on first use.
var tasks = sync.OnceValues(func() (procfs.FS, error) {
	return procfs.NewFS("/proc/self/task")
})

// threadStart returns the start time of thread tid of this process.
func threadStart(tid int32) (uint64, error) {
	fs, err := tasks()
	if err != nil {
		return 0, err
	}
	p, err := fs.Proc(int(tid))
	if err != nil {
		return 0, err
	}
	st, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return st.Starttime, nil
}

// live reports whether the thread that acquired m still exists. Errors other
// than a missing task entry leave the marker in place.
func (m *Marker) live() bool {
	start, err := threadStart(m.tid)
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	return start == m.start
}

// reap unpublishes markers whose thread has exited.
//
// Preconditions: acquireMu is held.
func reap() {
	hw := highWater.Load()
	for i := uint32(0); i < hw; i++ {
		if m := table[i].load(); m != nil && !m.live() {
			table[i].compareAndSwap(m, nil)
		}
	}
}

// Acquire creates the marker for the calling thread and locks the calling
// goroutine to that thread. The marker starts unset.
//
// Release must be called from the same goroutine.
func Acquire() (*Marker, error) {
	runtime.LockOSThread()
	tid := gettid()
	start, err := threadStart(tid)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("identifying thread %d: %w", tid, err)
	}

	acquireMu.Lock()
	defer acquireMu.Unlock()
	// Drops stale entries, including one left under this tid by an exited
	// thread.
	reap()
	if Lookup(tid) != nil {
		runtime.UnlockOSThread()
		return nil, ErrAlreadyAcquired
	}
	m := &Marker{tid: tid, start: start}
	if !publish(m) {
		runtime.UnlockOSThread()
		return nil, ErrTooManyThreads
	}
	return m, nil
}

// publish stores m in a free slot of table. It returns false if the table is
// full.
func publish(m *Marker) bool {
	for i := range table {
		if !table[i].compareAndSwap(nil, m) {
			continue
		}
		m.slot = int32(i)
		for {
			hw := highWater.Load()
			if hw > uint32(i) || highWater.CompareAndSwap(hw, uint32(i+1)) {
				break
			}
		}
		return true
	}
	return false
}

// Release unpublishes m and unlocks the goroutine from its thread.
//
// Preconditions: m is not set; called by the goroutine that acquired m.
func (m *Marker) Release() {
	if invariant.Enabled {
		if m.tid != gettid() {
			invariant.Throw("marker: released by a thread that does not own it")
		}
		if m.state.Load() != 0 {
			invariant.Throw("marker: released while in guest code")
		}
	}
	table[m.slot].compareAndSwap(m, nil)
	runtime.UnlockOSThread()
}

// Enter marks the owning thread as running guest code.
//
// Preconditions: m is not set and the thread holds no registry lock.
//
//go:nosplit
//go:norace
func (m *Marker) Enter() {
	if invariant.Enabled {
		if m.state.Load() != 0 {
			invariant.Throw("marker: enter while already in guest code")
		}
		if m.locks != 0 {
			invariant.Throw("marker: enter while holding a registry lock")
		}
	}
	m.state.Store(inGuest)
}

// Leave marks the owning thread as no longer running guest code.
//
// Preconditions: m is set.
//
//go:nosplit
//go:norace
func (m *Marker) Leave() {
	if invariant.Enabled && m.state.Load() == 0 {
		invariant.Throw("marker: leave without matching enter")
	}
	m.state.Store(0)
}

// IsSet reports whether the owning thread is running guest code. It is safe
// to call from a fault handler.
//
//go:nosplit
//go:norace
func (m *Marker) IsSet() bool {
	return m.state.Load() != 0
}

// Addr returns the address of the marker word so that generated code can
// set and clear it with a single aligned 32-bit store. Any nonzero value
// means "in guest code".
func (m *Marker) Addr() *uint32 {
	return m.state.Ptr()
}

// TID returns the owning thread id.
func (m *Marker) TID() int32 {
	return m.tid
}

// Lookup returns the published marker for thread tid, or nil.
//
//go:nosplit
//go:norace
func Lookup(tid int32) *Marker {
	n := highWater.Load()
	for i := uint32(0); i < n && i < maxThreads; i++ {
		if m := table[i].load(); m != nil && m.tid == tid {
			return m
		}
	}
	return nil
}

// Current returns the calling thread's marker, or nil.
//
// Current only consults the table, so until the next Acquire it may return
// the marker of an exited thread whose tid was reused. Use Owned outside of
// fault handlers.
//
//go:nosplit
func Current() *Marker {
	return Lookup(gettid())
}

// Owned returns the marker acquired by the calling thread, or nil if there
// is none. Unlike Current, it never returns a stale marker.
func Owned() *Marker {
	if m := Current(); m != nil && m.live() {
		return m
	}
	return nil
}

// LockAcquired records that the calling thread took a registry lock. With
// invariant checks enabled it aborts if the thread is in guest code, since a
// fault on this thread could then never be dispatched safely.
func LockAcquired() {
	if !invariant.Enabled {
		return
	}
	if m := Current(); m != nil {
		if m.IsSet() && m.live() {
			invariant.Throw("marker: registry lock taken while in guest code")
		}
		m.locks++
	}
}

// LockReleased undoes LockAcquired.
func LockReleased() {
	if !invariant.Enabled {
		return
	}
	if m := Current(); m != nil {
		m.locks--
	}
}

//go:nosplit
func gettid() int32 {
	tid, _, _ := unix.RawSyscall(unix.SYS_GETTID, 0, 0, 0)
	return int32(tid)
}
