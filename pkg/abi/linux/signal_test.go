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

package linux

import (
	"testing"
	"unsafe"
)

func TestSignalInfoLayout(t *testing.T) {
	var info SignalInfo
	if got := unsafe.Sizeof(info); got != 128 {
		t.Errorf("sizeof(SignalInfo): got %d, wanted 128", got)
	}
	if got := unsafe.Offsetof(info.Fields); got != 16 {
		t.Errorf("offsetof(SignalInfo.Fields): got %d, wanted 16", got)
	}
	if got := unsafe.Sizeof(SigAction{}); got != 32 {
		t.Errorf("sizeof(SigAction): got %d, wanted 32", got)
	}
}

func TestSignalInfoAddr(t *testing.T) {
	var info SignalInfo
	info.SetAddr(0xdeadbeef000)
	if got := info.Addr(); got != 0xdeadbeef000 {
		t.Errorf("Addr: got %#x, wanted %#x", got, 0xdeadbeef000)
	}
	if info.Fields[0] != 0x00 || info.Fields[1] != 0xf0 {
		t.Errorf("si_addr not stored little endian: % x", info.Fields[:8])
	}
}

func TestSignalInfoFromKernel(t *testing.T) {
	for _, tc := range []struct {
		code int32
		want bool
	}{
		{SEGV_MAPERR, true},
		{SI_KERNEL, true},
		{SI_USER, false},
		{SI_QUEUE, false},
	} {
		info := SignalInfo{Signo: int32(SIGSEGV), Code: tc.code}
		if got := info.FromKernel(); got != tc.want {
			t.Errorf("FromKernel(code=%d): got %t, wanted %t", tc.code, got, tc.want)
		}
	}
}

func TestMakeSignalSet(t *testing.T) {
	if got, want := MakeSignalSet(SIGBUS, SIGSEGV), SignalSet(1<<6|1<<10); got != want {
		t.Errorf("MakeSignalSet: got %#x, wanted %#x", got, want)
	}
	if got := SIGSEGV.String(); got != "SIGSEGV" {
		t.Errorf("String: got %q", got)
	}
}
