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
	"fmt"
)

// ErrOutOfBounds is the guest-visible error for a recovered trap. Errors
// returned by landing pads match it with errors.Is.
var ErrOutOfBounds = errors.New("out of bounds memory access")

// Error is a recovered trap.
type Error struct {
	// PC is the faulting instruction.
	PC uintptr

	// Addr is the faulting address.
	Addr uintptr
}

// Error implements error.Error.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: address %#x, pc %#x", ErrOutOfBounds, e.Addr, e.PC)
}

// Is implements errors.Is.
func (e *Error) Is(target error) bool {
	return target == ErrOutOfBounds
}
