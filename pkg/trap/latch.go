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
	"gvisor.dev/trapguard/pkg/atomicbitops"
)

// Latch states. The zero value is undecided; every other state is final.
const (
	undecided uint32 = iota
	decidedDisabled
	decidedEnabled
	decidedEnabledDefaultHandler
)

// Latch is the one-shot enablement decision.
//
// The decision is made by the first call to any method: TryEnable and Disable
// make it explicitly, IsEnabled freezes it as disabled. Generated code is
// compiled against the answer, so it can never change afterwards.
type Latch struct {
	state atomicbitops.Uint32
}

// TryEnable enables recovery if no decision has been made yet. If
// useDefaultHandler is set, the embedder is expected to install the default
// platform adapter; see UsesDefaultHandler. It returns false if the latch
// was already decided, in which case nothing changes.
func (l *Latch) TryEnable(useDefaultHandler bool) bool {
	want := decidedEnabled
	if useDefaultHandler {
		want = decidedEnabledDefaultHandler
	}
	return l.state.CompareAndSwap(undecided, want)
}

// Disable disables recovery if no decision has been made yet. It returns
// false if the latch was already decided.
func (l *Latch) Disable() bool {
	return l.state.CompareAndSwap(undecided, decidedDisabled)
}

// IsEnabled returns the decision, freezing the latch as disabled if it was
// still undecided.
func (l *Latch) IsEnabled() bool {
	l.state.CompareAndSwap(undecided, decidedDisabled)
	return l.enabled()
}

// UsesDefaultHandler reports whether recovery was enabled with the default
// handler requested. Like IsEnabled, it freezes the latch.
func (l *Latch) UsesDefaultHandler() bool {
	l.state.CompareAndSwap(undecided, decidedDisabled)
	return l.state.Load() == decidedEnabledDefaultHandler
}

// Decided reports whether the decision has been made, without making it.
func (l *Latch) Decided() bool {
	return l.state.Load() != undecided
}

// enabled reads the decision without freezing it. An undecided latch reads
// as disabled.
//
//go:nosplit
//go:norace
func (l *Latch) enabled() bool {
	s := l.state.Load()
	return s == decidedEnabled || s == decidedEnabledDefaultHandler
}

// resetForTesting returns the latch to undecided. Production code must never
// re-decide: generated code may already depend on the old answer.
func (l *Latch) resetForTesting() {
	l.state.Store(undecided)
}
