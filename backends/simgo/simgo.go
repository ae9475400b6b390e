// Package simgo implements a simple, simulated, but very portable backend for devgraph.
//
// There is no accelerator behind it: buffers are host memory and a "captured" recording
// re-executes the recorded closure against the current buffer contents on replay. It
// exists so the cache layer (and its users) can be exercised without device hardware,
// and as the reference for what a real backend must honor -- in particular capture
// non-reentrancy and fixed buffer addresses.
package simgo

import (
	"strings"
	"sync"

	"github.com/gomlx/devgraph/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// BackendName to be used in DEVGRAPH_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// runtimeVersion values reported by the simulated runtime.
const (
	simRuntimeVersion = 12030
	oldRuntimeVersion = 10020
)

// New constructs a new SimGo Backend.
//
// The configuration is a comma-separated list of flags, used mostly by tests:
//
//   - "nocapture": the backend reports no graph capture support.
//   - "oldruntime": the backend reports a runtime version below the capture minimum.
func New(config string) backends.Backend {
	b := &Backend{
		captureSupported: true,
		runtimeVersion:   simRuntimeVersion,
	}
	for _, flag := range strings.Split(config, ",") {
		switch flag {
		case "":
		case "nocapture":
			b.captureSupported = false
		case "oldruntime":
			b.runtimeVersion = oldRuntimeVersion
		default:
			exceptions.Panicf("simgo: unknown configuration flag %q in %q", flag, config)
		}
	}
	return b
}

// Backend implements the backends.Backend interface.
type Backend struct {
	captureSupported bool
	runtimeVersion   int

	mu        sync.Mutex
	capturing bool
	finalized bool

	numCaptures int
	numReplays  int
}

// Compile-time check that simgo.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns the short name of the backend.
func (b *Backend) Name() string { return "SimGo (go)" }

// String implements backends.Backend.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simulated Go Portable Backend"
}

// SupportsGraphCapture implements backends.Backend.
func (b *Backend) SupportsGraphCapture() bool { return b.captureSupported }

// RuntimeVersion implements backends.Backend.
func (b *Backend) RuntimeVersion() int { return b.runtimeVersion }

// Capture implements backends.Backend: it "records" run by keeping the closure around,
// and replays by re-executing it. The pool handle is accepted and ignored.
//
// It fails if another capture is already in progress (capture is non-reentrant) or if
// run returns an error.
func (b *Backend) Capture(_ any, run func() error) (backends.Recording, error) {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return nil, errors.Errorf("simgo: backend already finalized")
	}
	if !b.captureSupported {
		b.mu.Unlock()
		return nil, errors.Errorf("simgo: backend does not support graph capture")
	}
	if b.capturing {
		b.mu.Unlock()
		return nil, errors.Errorf("simgo: capture already in progress, capture is non-reentrant")
	}
	b.capturing = true
	b.mu.Unlock()

	err := run()

	b.mu.Lock()
	b.capturing = false
	if err == nil {
		b.numCaptures++
	}
	b.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessage(err, "simgo: capture aborted")
	}
	return &Recording{backend: b, run: run}, nil
}

// NumCaptures returns how many captures completed successfully. Used by tests.
func (b *Backend) NumCaptures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numCaptures
}

// NumReplays returns how many replays were executed. Used by tests.
func (b *Backend) NumReplays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numReplays
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
}

// Recording implements backends.Recording by re-executing the captured closure.
type Recording struct {
	backend *Backend

	mu        sync.Mutex
	run       func() error
	finalized bool
}

// Compile-time check:
var _ backends.Recording = (*Recording)(nil)

// Replay re-executes the recorded closure against the current buffer contents.
func (r *Recording) Replay() error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return errors.Errorf("simgo: replay of a finalized recording")
	}
	run := r.run
	r.mu.Unlock()

	if err := run(); err != nil {
		return errors.WithMessage(err, "simgo: replay failed")
	}
	r.backend.mu.Lock()
	r.backend.numReplays++
	r.backend.mu.Unlock()
	return nil
}

// Finalize releases the recording.
func (r *Recording) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	r.run = nil
}
