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

// Binary trapctl exercises the fault recovery trap handler.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/trapguard/cmd/trapctl/cmd"
	"gvisor.dev/trapguard/cmd/trapctl/config"
	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/trap"
	"gvisor.dev/trapguard/pkg/trap/platform"
)

func main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if _, err := platform.Lookup(conf.Platform); err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, subcommand)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		defer f.Close()
		logFile = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, logFile))

	log.Infof("trapctl %s, %s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()

	// Decide fault recovery before any fault can be dispatched.
	if conf.DisableRecovery {
		trap.Disable()
	} else {
		trap.Enable(conf.DefaultHandler)
	}
	if trap.Default.Latch().UsesDefaultHandler() {
		if _, err := platform.Install(conf.Platform, trap.Default); err != nil {
			cmd.Fatalf("installing platform %q: %v", conf.Platform, err)
		}
	}

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if platform.Installed() != nil {
		if err := platform.Uninstall(); err != nil {
			log.Warningf("Uninstalling platform: %v", err)
		}
	}
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// trapctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Check), "")
	cb(new(cmd.Demo), "")
	cb(new(cmd.Platforms), "")

	const debugGroup = "debug"
	cb(new(cmd.Metrics), debugGroup)
	cb(new(cmd.Stress), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Component: "trapctl"}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
