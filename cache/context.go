package cache

import (
	"github.com/gomlx/devgraph/backends"
	"github.com/google/uuid"
)

// GraphContext is one cached entry: a captured recording bound to the static
// (fixed-address) device buffers used to feed and read it.
//
// It is immutable after construction (the lastUsed LRU stamp, owned and mutated only by
// the Manager under its lock, is the one exception). It is created exactly once at a
// successful capture and destroyed only by eviction or ClearGraphs, which release the
// recording and buffers.
type GraphContext struct {
	id       string
	shapeKey ShapeKey

	recording     backends.Recording
	staticInputs  map[string]backends.Buffer
	staticOutputs map[string]backends.Buffer

	// warmupCount is the counter value when capture happened, kept for diagnostics.
	warmupCount int

	// lastUsed is the Manager's monotonic replay tick, the LRU eviction criterion.
	lastUsed uint64
}

func newGraphContext(key ShapeKey, recording backends.Recording,
	staticInputs, staticOutputs map[string]backends.Buffer, warmupCount int, tick uint64) *GraphContext {
	return &GraphContext{
		id:            uuid.NewString(),
		shapeKey:      key,
		recording:     recording,
		staticInputs:  staticInputs,
		staticOutputs: staticOutputs,
		warmupCount:   warmupCount,
		lastUsed:      tick,
	}
}

// ID is an opaque identifier for the context, used in logs.
func (c *GraphContext) ID() string { return c.id }

// ShapeKey this context was captured for.
func (c *GraphContext) ShapeKey() ShapeKey { return c.shapeKey }

// WarmupCount is the number of warmup iterations seen when this context was captured.
func (c *GraphContext) WarmupCount() int { return c.warmupCount }

// StaticMemory returns the bytes pinned by the static input and output buffers.
func (c *GraphContext) StaticMemory() uintptr {
	var total uintptr
	for _, buf := range c.staticInputs {
		total += buf.Shape().Memory()
	}
	for _, buf := range c.staticOutputs {
		total += buf.Shape().Memory()
	}
	return total
}

// finalize releases the recording and then the static buffers. Called by the Manager
// when the context is evicted or cleared; the context must not be used afterwards.
func (c *GraphContext) finalize() {
	if c.recording != nil {
		c.recording.Finalize()
		c.recording = nil
	}
	finalizeBuffers(c.staticInputs)
	finalizeBuffers(c.staticOutputs)
	c.staticInputs = nil
	c.staticOutputs = nil
}

func finalizeBuffers(buffers map[string]backends.Buffer) {
	for _, buf := range buffers {
		buf.Finalize()
	}
}
