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

// Package invariant holds the checks for programming errors made by callers
// of the trap handling packages.
//
// Checks are compiled in only with the trapdebug build tag. A failed check
// calls runtime.throw: it cannot be recovered and it neither allocates nor
// unwinds, so it is usable from a fault handler.
package invariant

import (
	_ "unsafe" // for go:linkname
)

//go:linkname throw runtime.throw
func throw(s string)

// Throw aborts the process with msg.
//
//go:nosplit
func Throw(msg string) {
	throw(msg)
}
