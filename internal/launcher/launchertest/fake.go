// Package launchertest provides an in-memory launcher.Launcher for tests.
package launchertest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/terrpan/runnerguard/internal/launcher"
)

// Fake records launches and destroys.
type Fake struct {
	mu        sync.Mutex
	launched  map[string]string // id -> runner name
	destroyed []string
	shutdown  bool
	nextID    int

	LaunchErr  error // if set, Launch returns this error
	DestroyErr error // if set, Destroy returns this error
}

var _ launcher.Launcher = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{launched: make(map[string]string)}
}

func (f *Fake) Launch(_ context.Context, name string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LaunchErr != nil {
		return "", f.LaunchErr
	}
	f.nextID++
	id := fmt.Sprintf("launch-%d", f.nextID)
	f.launched[id] = name
	return id, nil
}

func (f *Fake) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	delete(f.launched, id)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *Fake) Shutdown(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	clear(f.launched)
	return nil
}

// Running returns the names of runners launched and not yet destroyed.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, name := range f.launched {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Destroyed returns the ids passed to Destroy.
func (f *Fake) Destroyed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.destroyed)
}

// IsShutdown reports whether Shutdown was called.
func (f *Fake) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}
