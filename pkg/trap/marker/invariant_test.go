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

//go:build linux && trapdebug
// +build linux,trapdebug

package marker_test

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"gvisor.dev/trapguard/pkg/trap/coderegion"
	"gvisor.dev/trapguard/pkg/trap/marker"
)

// violationEnv selects the violation TestViolationChild commits.
const violationEnv = "TRAPGUARD_MARKER_VIOLATION"

// violations commit one misuse each, on a thread with a marker.
var violations = map[string]func(m *marker.Marker){
	"enter twice": func(m *marker.Marker) {
		m.Enter()
		m.Enter()
	},
	"leave without enter": func(m *marker.Marker) {
		m.Leave()
	},
	"registry lock in guest code": func(m *marker.Marker) {
		var r coderegion.Registry
		m.Enter()
		r.Register(0x1000, 0x100, []uint32{0x10})
	},
	"enter holding a registry lock": func(m *marker.Marker) {
		marker.LockAcquired()
		m.Enter()
	},
}

func TestViolationsAbort(t *testing.T) {
	for _, tc := range []struct {
		violation string
		want      string
	}{
		{"enter twice", "marker: enter while already in guest code"},
		{"leave without enter", "marker: leave without matching enter"},
		{"registry lock in guest code", "marker: registry lock taken while in guest code"},
		{"enter holding a registry lock", "marker: enter while holding a registry lock"},
	} {
		t.Run(tc.violation, func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=^TestViolationChild$")
			cmd.Env = append(os.Environ(), violationEnv+"="+tc.violation)
			out, err := cmd.CombinedOutput()
			if err == nil {
				t.Fatalf("child survived %q, output:\n%s", tc.violation, out)
			}
			if want := "fatal error: " + tc.want; !strings.Contains(string(out), want) {
				t.Errorf("child output does not contain %q:\n%s", want, out)
			}
		})
	}
}

// TestViolationChild runs in the child process started by
// TestViolationsAbort.
func TestViolationChild(t *testing.T) {
	name := os.Getenv(violationEnv)
	if name == "" {
		t.Skip("only runs in a child process")
	}
	violate, ok := violations[name]
	if !ok {
		t.Fatalf("unknown violation %q", name)
	}
	m, err := marker.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	violate(m)
	t.Fatalf("%q did not abort", name)
}
