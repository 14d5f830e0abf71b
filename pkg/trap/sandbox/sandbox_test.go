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

package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestEmptyCoversNothing(t *testing.T) {
	var s Set
	for _, addr := range []uintptr{0, 0x2000, ^uintptr(0)} {
		if s.Covers(addr) {
			t.Errorf("empty set covers %#x", addr)
		}
	}
}

func TestRegisterRejects(t *testing.T) {
	var s Set
	if s.Register(0x2000, 0) {
		t.Errorf("Register of empty range succeeded")
	}
	if s.Register(^uintptr(0)-1, 0x10) {
		t.Errorf("Register of wrapping range succeeded")
	}
	if got := s.Len(); got != 0 {
		t.Errorf("Len: got %d, wanted 0", got)
	}
}

func TestCovers(t *testing.T) {
	var s Set
	if !s.Register(0x2000, 0x1000) {
		t.Fatalf("Register failed")
	}
	if !s.Register(0x10000, 0x10) {
		t.Fatalf("Register failed")
	}
	for _, tc := range []struct {
		addr uintptr
		want bool
	}{
		{0x1fff, false},
		{0x2000, true},
		{0x2040, true},
		{0x2fff, true},
		{0x3000, false},
		{0x9999, false},
		{0x1000f, true},
		{0x10010, false},
	} {
		if got := s.Covers(tc.addr); got != tc.want {
			t.Errorf("Covers(%#x): got %t, wanted %t", tc.addr, got, tc.want)
		}
	}
	want := []Range{{Base: 0x10000, Length: 0x10}, {Base: 0x2000, Length: 0x1000}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestUnregisterTwice(t *testing.T) {
	var s Set
	s.Register(0x1000, 0x100)
	s.Register(0x2000, 0x100)
	s.Register(0x3000, 0x100)

	if !s.Unregister(0x2000, 0x100) {
		t.Fatalf("Unregister of middle range failed")
	}
	if s.Unregister(0x2000, 0x100) {
		t.Errorf("second Unregister succeeded")
	}
	if s.Unregister(0x1000, 0x80) {
		t.Errorf("Unregister with wrong length succeeded")
	}
	if s.Covers(0x2010) {
		t.Errorf("Covers after Unregister: got true")
	}
	if !s.Covers(0x1010) || !s.Covers(0x3010) {
		t.Errorf("neighbours lost after Unregister")
	}
	if got := s.Len(); got != 2 {
		t.Errorf("Len: got %d, wanted 2", got)
	}
	// Head and tail removal.
	if !s.Unregister(0x3000, 0x100) || !s.Unregister(0x1000, 0x100) {
		t.Fatalf("Unregister of remaining ranges failed")
	}
	if s.Covers(0x1010) || s.Covers(0x3010) {
		t.Errorf("Covers on emptied set: got true")
	}
}

func TestDuplicateRanges(t *testing.T) {
	var s Set
	s.Register(0x1000, 0x100)
	s.Register(0x1000, 0x100)
	s.Unregister(0x1000, 0x100)
	if !s.Covers(0x1000) {
		t.Errorf("range dropped while still registered once")
	}
	s.Unregister(0x1000, 0x100)
	if s.Covers(0x1000) {
		t.Errorf("range still covered after both registrations were removed")
	}
}

func TestConcurrentCovers(t *testing.T) {
	const (
		writers = 4
		ranges  = 32
		stride  = 0x1000
	)
	var s Set
	// A permanent range that must stay visible throughout.
	s.Register(0x100000000, stride)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				for i := 0; i < ranges; i++ {
					s.Register(uintptr((w*ranges+i+1)*stride), stride)
				}
				for i := 0; i < ranges; i++ {
					if !s.Unregister(uintptr((w*ranges+i+1)*stride), stride) {
						return errors.New("unregister of live range failed")
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for ctx.Err() == nil {
			if !s.Covers(0x100000010) {
				return errors.New("permanent range not covered")
			}
			s.Covers(uintptr(stride + 0x10))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
