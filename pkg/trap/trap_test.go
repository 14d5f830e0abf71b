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

package trap

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/trap/coderegion"
	"gvisor.dev/trapguard/pkg/trap/marker"
)

type recordingEmitter struct {
	mu     sync.Mutex
	levels []log.Level
}

func (r *recordingEmitter) Emit(_ int, level log.Level, _ time.Time, _ string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
}

// resetDefault installs a fresh Default dispatcher for the test.
func resetDefault(t *testing.T) {
	t.Helper()
	old := Default
	Default = New()
	t.Cleanup(func() { Default = old })
}

func TestPackageAPI(t *testing.T) {
	resetDefault(t)

	if _, err := RegisterProtectedRegion(codeBase, codeLength, nil); !errors.Is(err, coderegion.ErrNoOffsets) {
		t.Errorf("RegisterProtectedRegion without offsets: got %v, wanted %v", err, coderegion.ErrNoOffsets)
	}
	h, err := RegisterProtectedRegion(codeBase, codeLength, []uint32{protectedOff})
	if err != nil {
		t.Fatalf("RegisterProtectedRegion: %v", err)
	}
	if !RegisterSandbox(sandboxBase, sandboxLength) {
		t.Fatalf("RegisterSandbox failed")
	}
	if RegisterSandbox(sandboxBase, 0) {
		t.Errorf("RegisterSandbox with zero length succeeded")
	}
	if !Enable(false) {
		t.Fatalf("Enable failed")
	}
	if Enable(true) {
		t.Errorf("second Enable succeeded")
	}
	Disable()
	if !IsEnabled() {
		t.Errorf("IsEnabled after rejected Disable: got false")
	}
	SetLandingPad(testLandingPad)

	inGuest(t, func(m *marker.Marker) {
		if out := Default.Handle(m, Fault{PC: 0x1010, Addr: 0x2040, AccessViolation: true}); !out.Handled {
			t.Errorf("Handle: got %+v, wanted handled", out)
		}
	})
	if got := RecoveredTrapCount(); got != 1 {
		t.Errorf("RecoveredTrapCount: got %d, wanted 1", got)
	}

	ReleaseProtectedRegion(h)
	ReleaseProtectedRegion(h)
	UnregisterSandbox(sandboxBase, sandboxLength)
	UnregisterSandbox(sandboxBase, sandboxLength)
	if n := Default.Regions().Len(); n != 0 {
		t.Errorf("Regions().Len after release: got %d, wanted 0", n)
	}
	if n := Default.Sandboxes().Len(); n != 0 {
		t.Errorf("Sandboxes().Len after unregister: got %d, wanted 0", n)
	}
}

func TestPackageAPIDisabled(t *testing.T) {
	resetDefault(t)
	Disable()
	if IsEnabled() {
		t.Errorf("IsEnabled after Disable: got true")
	}
	if Enable(false) {
		t.Errorf("Enable after Disable succeeded")
	}
}

func TestPackageAPILogs(t *testing.T) {
	resetDefault(t)
	var e recordingEmitter
	old := log.Log().Emitter
	log.SetTarget(&e)
	t.Cleanup(func() { log.SetTarget(old) })

	Enable(false)
	Enable(false)
	if len(e.levels) != 2 {
		t.Fatalf("got %d log messages, wanted 2", len(e.levels))
	}
	if e.levels[0] != log.Info || e.levels[1] != log.Warning {
		t.Errorf("got levels %v, wanted [Info Warning]", e.levels)
	}
}

func TestThreadLocalMarkerAddress(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		addr, err := ThreadLocalMarkerAddress()
		if err != nil {
			t.Errorf("ThreadLocalMarkerAddress: %v", err)
			return
		}
		again, err := ThreadLocalMarkerAddress()
		if err != nil {
			t.Errorf("second ThreadLocalMarkerAddress: %v", err)
			return
		}
		if addr != again {
			t.Errorf("ThreadLocalMarkerAddress changed: %p then %p", addr, again)
		}
		m := marker.Owned()
		if m == nil {
			t.Errorf("Owned: got nil after ThreadLocalMarkerAddress")
			return
		}
		*addr = 1
		if !m.IsSet() {
			t.Errorf("marker not set after writing through its address")
		}
		*addr = 0

		if !ReleaseThreadMarker() {
			t.Errorf("ReleaseThreadMarker: got false, wanted true")
		}
		if marker.Owned() != nil {
			t.Errorf("Owned after ReleaseThreadMarker: got a marker, wanted nil")
		}
		if ReleaseThreadMarker() {
			t.Errorf("second ReleaseThreadMarker: got true, wanted false")
		}
	}()
	<-done
}

// Threads that exit without releasing their marker must not exhaust the
// marker table.
func TestThreadLocalMarkerAddressExitedThreads(t *testing.T) {
	const threads = 5000
	for i := 0; i < threads; i++ {
		errc := make(chan error, 1)
		go func() {
			// The goroutine exits still locked to its thread, which ends
			// the thread.
			_, err := ThreadLocalMarkerAddress()
			errc <- err
		}()
		if err := <-errc; err != nil {
			t.Fatalf("thread %d: ThreadLocalMarkerAddress: %v", i, err)
		}
	}
}
