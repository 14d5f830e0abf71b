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

//go:build amd64
// +build amd64

package sigctx

import (
	"testing"
	"unsafe"
)

func TestContextLayout(t *testing.T) {
	var uc UContext64
	// Offsets from struct ucontext in arch/x86/include/uapi/asm/ucontext.h
	// and REG_RIP in glibc's sys/ucontext.h.
	if got := unsafe.Offsetof(uc.MContext); got != 40 {
		t.Errorf("offsetof(uc_mcontext): got %d, wanted 40", got)
	}
	if got := unsafe.Offsetof(uc.MContext.Rip); got != 16*8 {
		t.Errorf("offsetof(rip): got %d, wanted %d", got, 16*8)
	}
	if got := unsafe.Sizeof(uc.MContext); got != 256 {
		t.Errorf("sizeof(sigcontext): got %d, wanted 256", got)
	}
}
