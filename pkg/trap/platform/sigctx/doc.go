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

// Package sigctx is a platform that recovers guest faults directly in the
// SIGSEGV and SIGBUS handlers.
//
// An assembly trampoline is installed underneath the Go runtime's handlers.
// It calls the dispatcher with the kernel's siginfo and ucontext; a
// recovered fault is resumed by rewriting the program counter in the
// ucontext to the landing pad, and any other fault is passed on to the
// handler that was installed before. The landing pad must be code that can
// run with the guest's register state, typically an exit stub in generated
// code.
//
// The platform is available on linux/amd64 and linux/arm64.
package sigctx
