// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"runtime"
	"sync/atomic"
)

// activeSpinIterations is the number of busy-wait attempts made by
// SpinMutex.Lock before it starts yielding the processor.
const activeSpinIterations = 64

// SpinMutex is a mutual exclusion lock that never parks the calling
// goroutine in the runtime. It is intended for short critical sections on
// slow paths where the lock word itself must be trivially inspectable.
//
// The zero value is an unlocked mutex.
type SpinMutex struct {
	_     NoCopy
	state uint32
}

// TryLock acquires m if it is free and reports whether it did so.
//
//go:nosplit
func (m *SpinMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

// Lock acquires m, spinning until it is available.
func (m *SpinMutex) Lock() {
	for i := 0; !m.TryLock(); i++ {
		if i >= activeSpinIterations {
			runtime.Gosched()
		}
	}
}

// Unlock releases m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if atomic.SwapUint32(&m.state, 0) != 1 {
		panic("unlock of unlocked SpinMutex")
	}
}

// Locked reports whether m is currently held by anyone. The result is only a
// hint, suitable for assertions.
func (m *SpinMutex) Locked() bool {
	return atomic.LoadUint32(&m.state) != 0
}
