// Package backends defines the interface a device (accelerator) execution system needs to
// implement to be used by devgraph, and the registry used to select one at runtime.
//
// A backend exposes fixed-address device buffers and a graph-capture primitive: Capture
// records the device operation sequence issued while it runs, and the resulting Recording
// can be replayed later against refreshed buffer contents, bypassing per-call dispatch
// overhead.
//
// A backend that doesn't support graph capture simply reports so via SupportsGraphCapture;
// the cache layer degrades to direct execution.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/devgraph/types/shapes"
	"github.com/gomlx/devgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

// Backend is the API that needs to be implemented by a devgraph backend.
//
// Capture is non-reentrant: no other device work may be enqueued while a capture is in
// progress, and a Capture call while another is recording must fail.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the simulated Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// SupportsGraphCapture reports whether the device/runtime can capture and replay
	// operation sequences.
	SupportsGraphCapture() bool

	// RuntimeVersion returns the version of the underlying device runtime, encoded as
	// major*1000 + minor*10 (e.g. 12030 for 12.3).
	RuntimeVersion() int

	// NewBuffer allocates a device buffer for the given shape. The buffer address is
	// fixed for its lifetime, a requirement for captured recordings that refer to it.
	NewBuffer(shape shapes.Shape) (Buffer, error)

	// Capture records the device operations issued while run executes and returns the
	// Recording. pool is an opaque memory-pool handle passed through uninterpreted; it
	// may be nil. If run returns an error, the capture is aborted and the error returned.
	Capture(pool any, run func() error) (Recording, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Buffer is a fixed-address device buffer. Its contents change between replays, but its
// address does not, so captured recordings can refer to it.
type Buffer interface {
	// Shape of the buffer.
	Shape() shapes.Shape

	// FromHost copies the tensor contents into the buffer. The tensor shape must match
	// the buffer shape exactly.
	FromHost(t *tensors.Tensor) error

	// ToHost returns an owned host copy of the buffer contents.
	ToHost() (*tensors.Tensor, error)

	// Finalize releases the buffer.
	Finalize()
}

// Recording is a captured device operation sequence.
type Recording interface {
	// Replay re-executes the recorded sequence against the current contents of the
	// buffers it was captured with.
	Replay() error

	// Finalize releases the recording.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a
// configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnv is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
const ConfigEnv = "DEVGRAPH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment DEVGRAPH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(ConfigEnv)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for devgraph -- maybe import the default simulated one with import _ "github.com/gomlx/devgraph/backends/simgo"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
