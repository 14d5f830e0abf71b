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

// Package cmd holds implementations of the trapctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/trapguard/pkg/log"
)

// Output is where command results are printed. Tests replace it.
var Output io.Writer = os.Stdout

// exitFunc terminates the process. Tests replace it.
var exitFunc = os.Exit

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "trapctl: %s\n", msg)
	exitFunc(128)
}

// Infof writes an informational message to Output and to the log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(Output, format+"\n", args...)
}
