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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestRegisterValidation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		base    uintptr
		length  uintptr
		offsets []uint32
		want    error
	}{
		{
			name:    "zero length",
			base:    0x1000,
			offsets: []uint32{0},
			want:    ErrZeroLength,
		},
		{
			name:   "no offsets",
			base:   0x1000,
			length: 0x100,
			want:   ErrNoOffsets,
		},
		{
			name:    "offset past end",
			base:    0x1000,
			length:  0x100,
			offsets: []uint32{0x10, 0x100},
			want:    ErrOffsetOutOfRange,
		},
		{
			name:    "wraps",
			base:    ^uintptr(0) - 0x10,
			length:  0x100,
			offsets: []uint32{0},
			want:    ErrAddressOverflow,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var r Registry
			if _, err := r.Register(tc.base, tc.length, tc.offsets); !errors.Is(err, tc.want) {
				t.Errorf("Register: got err %v, wanted %v", err, tc.want)
			}
			if r.Len() != 0 {
				t.Errorf("Len after failed Register: got %d, wanted 0", r.Len())
			}
		})
	}
}

func TestFindCovering(t *testing.T) {
	var r Registry
	if _, err := r.Register(0x1000, 0x100, []uint32{0x10}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(0x3000, 0x80, []uint32{0x40, 0x8, 0x40}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rd := r.Reader()

	for _, tc := range []struct {
		pc       uintptr
		wantBase uintptr
		protects bool
	}{
		{pc: 0xfff},
		{pc: 0x1000, wantBase: 0x1000},
		{pc: 0x1010, wantBase: 0x1000, protects: true},
		{pc: 0x10ff, wantBase: 0x1000},
		{pc: 0x1100},
		{pc: 0x3008, wantBase: 0x3000, protects: true},
		{pc: 0x3040, wantBase: 0x3000, protects: true},
		{pc: 0x3041, wantBase: 0x3000},
		{pc: 0x3080},
	} {
		reg := rd.FindCovering(tc.pc)
		if tc.wantBase == 0 {
			if reg != nil {
				t.Errorf("FindCovering(%#x): got %v, wanted nil", tc.pc, reg)
			}
			continue
		}
		if reg == nil || reg.Base() != tc.wantBase {
			t.Errorf("FindCovering(%#x): got %v, wanted base %#x", tc.pc, reg, tc.wantBase)
			continue
		}
		if got := reg.Protects(tc.pc); got != tc.protects {
			t.Errorf("Protects(%#x): got %t, wanted %t", tc.pc, got, tc.protects)
		}
	}
}

func TestOffsetsAreNormalized(t *testing.T) {
	var r Registry
	in := []uint32{0x30, 0x10, 0x20, 0x10}
	if _, err := r.Register(0x1000, 0x100, in); err != nil {
		t.Fatalf("Register: %v", err)
	}
	in[0] = 0x99
	reg := r.Reader().FindCovering(0x1000)
	if diff := cmp.Diff([]uint32{0x10, 0x20, 0x30}, reg.Offsets()); diff != "" {
		t.Errorf("Offsets mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlap(t *testing.T) {
	var r Registry
	if _, err := r.Register(0x1000, 0x100, []uint32{0}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, tc := range []struct {
		base, length uintptr
		overlaps     bool
	}{
		{base: 0x1000, length: 0x100, overlaps: true},
		{base: 0xf00, length: 0x101, overlaps: true},
		{base: 0x10ff, length: 0x10, overlaps: true},
		{base: 0x1010, length: 0x10, overlaps: true},
		{base: 0xf00, length: 0x1000, overlaps: true},
		{base: 0xf00, length: 0x100, overlaps: false},
		{base: 0x1100, length: 0x100, overlaps: false},
	} {
		h, err := r.Register(tc.base, tc.length, []uint32{0})
		if got := errors.Is(err, ErrOverlap); got != tc.overlaps {
			t.Errorf("Register(%#x, %#x): got err %v, wanted overlap=%t", tc.base, tc.length, err, tc.overlaps)
		}
		if err == nil {
			r.Release(h)
		}
	}
}

func TestReleaseIdempotent(t *testing.T) {
	var r Registry
	h, err := r.Register(0x1000, 0x100, []uint32{0x10})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Release(h) {
		t.Fatalf("first Release: got false, wanted true")
	}
	if r.Release(h) {
		t.Errorf("second Release: got true, wanted false")
	}
	if r.Release(0) {
		t.Errorf("Release of zero handle: got true, wanted false")
	}
	if reg := r.Reader().FindCovering(0x1010); reg != nil {
		t.Errorf("FindCovering after Release: got %v, wanted nil", reg)
	}

	// The slot is reused; the stale handle must not release the new region.
	h2, err := r.Register(0x2000, 0x100, []uint32{0x10})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if h2.index() != h.index() {
		t.Fatalf("slot not reused: got index %d, wanted %d", h2.index(), h.index())
	}
	if r.Release(h) {
		t.Errorf("Release of stale handle: got true, wanted false")
	}
	if reg := r.Reader().FindCovering(0x2010); reg == nil {
		t.Errorf("region released through stale handle")
	}
	if !r.Release(h2) {
		t.Errorf("Release(h2): got false, wanted true")
	}
}

func TestGrowth(t *testing.T) {
	var r Registry
	const n = 3*chunkSize + 5
	handles := make([]Handle, n)
	for i := range handles {
		h, err := r.Register(uintptr(0x10000+i*0x100), 0x100, []uint32{0x4})
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		handles[i] = h
	}
	if got := r.Len(); got != n {
		t.Errorf("Len: got %d, wanted %d", got, n)
	}
	rd := r.Reader()
	for i := 0; i < n; i++ {
		pc := uintptr(0x10000 + i*0x100 + 0x4)
		if reg := rd.FindCovering(pc); reg == nil || !reg.Protects(pc) {
			t.Errorf("FindCovering(%#x): got %v", pc, reg)
		}
	}
	regions := r.Regions()
	for i := 1; i < len(regions); i++ {
		if regions[i-1].Base() >= regions[i].Base() {
			t.Fatalf("Regions not ordered at %d: %v, %v", i, regions[i-1], regions[i])
		}
	}
	for _, h := range handles {
		if !r.Release(h) {
			t.Errorf("Release(%v): got false", h)
		}
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len after releasing everything: got %d, wanted 0", got)
	}
}

// TestConcurrentPublication has writers repeatedly registering and releasing
// disjoint regions while a reader scans. The reader must only ever see fully
// built regions.
func TestConcurrentPublication(t *testing.T) {
	const (
		writers   = 8
		perWriter = 16
		stride    = 0x1000
	)
	var r Registry
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var seen atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				var hs []Handle
				for i := 0; i < perWriter; i++ {
					base := uintptr((w*perWriter + i + 1) * stride)
					h, err := r.Register(base, stride/2, []uint32{0x10, 0x20})
					if err != nil {
						return err
					}
					hs = append(hs, h)
				}
				for _, h := range hs {
					if !r.Release(h) {
						return errors.New("release of live handle failed")
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		rd := r.Reader()
		for ctx.Err() == nil {
			for i := 0; i < writers*perWriter; i++ {
				pc := uintptr((i+1)*stride) + 0x10
				reg := rd.FindCovering(pc)
				if reg == nil {
					continue
				}
				seen.Add(1)
				if !reg.Contains(pc) || len(reg.offsets) != 2 || !reg.Protects(pc) {
					return errors.New("reader observed a partially built region")
				}
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	t.Logf("reader observed %d live regions", seen.Load())
}

func BenchmarkFindCovering(b *testing.B) {
	var r Registry
	for i := 0; i < 256; i++ {
		if _, err := r.Register(uintptr(0x10000+i*0x100), 0x100, []uint32{0x4}); err != nil {
			b.Fatalf("Register: %v", err)
		}
	}
	rd := r.Reader()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rd.FindCovering(uintptr(0x10000 + (i%256)*0x100 + 0x4))
	}
}
