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

// Package platform provides the interface between the fault dispatcher and
// the mechanism that delivers faults to it.
//
// A platform intercepts memory faults, turns them into a trap.Fault for the
// faulting thread and applies the returned trap.Outcome: resuming execution
// at the redirect target, or passing the fault on to whatever handled it
// before the platform was installed.
package platform

import (
	"errors"
	"fmt"
	"sort"

	"gvisor.dev/trapguard/pkg/log"
	"gvisor.dev/trapguard/pkg/sync"
	"gvisor.dev/trapguard/pkg/trap"
)

// ErrAlreadyInstalled is returned by Install if a platform is installed.
var ErrAlreadyInstalled = errors.New("a platform is already installed")

// ErrNotInstalled is returned by Uninstall if no platform is installed.
var ErrNotInstalled = errors.New("no platform is installed")

// Platform delivers faults to a dispatcher.
type Platform interface {
	// Name returns the registered name of the platform.
	Name() string

	// Install starts routing faults to d. Install is called at most once
	// for each Platform returned by a Constructor.
	Install(d *trap.Dispatcher) error

	// Uninstall stops routing faults and restores the handlers that were
	// in place before Install.
	Uninstall() error
}

// Constructor represents a platform type.
type Constructor interface {
	// New returns a new platform instance.
	New() (Platform, error)

	// Supported returns nil if the platform can run on this host.
	Supported() error
}

var (
	mu        sync.Mutex
	platforms = map[string]Constructor{}
	installed Platform
)

// Register registers a new platform type.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := platforms[name]; ok {
		panic(fmt.Sprintf("platform %q registered twice", name))
	}
	platforms[name] = c
}

// List lists available platforms.
func List() (available []string) {
	mu.Lock()
	defer mu.Unlock()
	for name := range platforms {
		available = append(available, name)
	}
	sort.Strings(available)
	return
}

// Lookup looks up the platform constructor by name.
func Lookup(name string) (Constructor, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %v", name)
	}
	return c, nil
}

// Install creates the named platform and installs it for d.
//
// Only one platform may be installed at a time. A second Install fails with
// ErrAlreadyInstalled and changes nothing.
func Install(name string, d *trap.Dispatcher) (Platform, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := c.Supported(); err != nil {
		return nil, fmt.Errorf("platform %q not supported: %w", name, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if installed != nil {
		return nil, fmt.Errorf("installing %q over %q: %w", name, installed.Name(), ErrAlreadyInstalled)
	}
	p, err := c.New()
	if err != nil {
		return nil, fmt.Errorf("creating platform %q: %w", name, err)
	}
	if err := p.Install(d); err != nil {
		return nil, fmt.Errorf("installing platform %q: %w", name, err)
	}
	installed = p
	log.Infof("Platform %q installed", name)
	return p, nil
}

// Installed returns the installed platform, or nil.
func Installed() Platform {
	mu.Lock()
	defer mu.Unlock()
	return installed
}

// Uninstall removes the installed platform.
func Uninstall() error {
	mu.Lock()
	defer mu.Unlock()
	if installed == nil {
		return ErrNotInstalled
	}
	if err := installed.Uninstall(); err != nil {
		return fmt.Errorf("uninstalling platform %q: %w", installed.Name(), err)
	}
	log.Infof("Platform %q uninstalled", installed.Name())
	installed = nil
	return nil
}
