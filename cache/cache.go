// Package cache implements the shape-specialized device execution graph cache.
//
// Repeated inference calls with the same input shapes replay a one-time device recording
// ("graph capture") instead of going through per-call dispatch. The Manager owns the
// mapping from shape key to captured GraphContext, the warmup counting that gates
// capture, and the LRU eviction that bounds how many contexts (each pinning device
// memory) are resident at once.
//
// The cache always degrades safely: if capture is disabled, unsupported on the platform,
// or fails for a particular shape, calls are served by invoking the wrapped model
// directly. Callers never see an error attributable to the caching layer itself -- at
// worst they see an uncached (slower) call.
//
// Typical usage:
//
//	backend := backends.New()
//	mgr := cache.New(backend, model, cache.NewConfig())
//	out, err := mgr.RunInference(feeds)  // direct during warmup, replayed once captured
//
// Or, when the call site shouldn't know about caching at all, wrap it:
//
//	predict := cache.NewWrapper(backend, model, true, 3, 8)
//	out, err := predict.Call(feeds)
package cache

import (
	"github.com/gomlx/devgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

// Feeds is a named collection of tensors, the input and output form of a Model.
type Feeds map[string]*tensors.Tensor

// Model is the inference callable being accelerated. It must issue the same device
// operation sequence for any two inputs of the same shapes -- models with data-dependent
// control flow are expected to fail capture (safely).
type Model func(feeds Feeds) (Feeds, error)

// Default configuration constants.
const (
	DefaultWarmupIterations = 3
	DefaultMaxCachedGraphs  = 8
)

// Config is the immutable Manager configuration, set at construction.
type Config struct {
	// WarmupIterations is the number of times a shape must be seen before a capture
	// attempt is made. Must be positive.
	WarmupIterations int

	// MaxCachedGraphs is the hard ceiling on simultaneously resident GraphContexts.
	// Each cached graph pins its static device buffers, so this bounds device memory.
	// Must be positive.
	MaxCachedGraphs int

	// Enabled turns the whole cache on. If false the Manager is a pure passthrough,
	// regardless of platform support.
	Enabled bool

	// MemoryPool is an opaque handle passed through to Backend.Capture uninterpreted.
	MemoryPool any
}

// NewConfig returns the default configuration, with the cache enabled.
func NewConfig() Config {
	return Config{
		WarmupIterations: DefaultWarmupIterations,
		MaxCachedGraphs:  DefaultMaxCachedGraphs,
		Enabled:          true,
	}
}

// validate panics on non-positive limits: a malformed Config is a programmer error.
func (c Config) validate() {
	if c.WarmupIterations <= 0 {
		exceptions.Panicf("cache.Config.WarmupIterations must be positive, got %d", c.WarmupIterations)
	}
	if c.MaxCachedGraphs <= 0 {
		exceptions.Panicf("cache.Config.MaxCachedGraphs must be positive, got %d", c.MaxCachedGraphs)
	}
}
