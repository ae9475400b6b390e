package cache

import (
	"github.com/gomlx/devgraph/backends"
)

// Wrapper adapts a Manager-backed cache into a plain callable with the same signature
// as the unaccelerated model, so call sites need no branching logic: calling it is
// semantically identical to Manager.RunInference with default options.
type Wrapper struct {
	manager *Manager
}

// NewWrapper builds a Manager with the given knobs and wraps it. Non-positive
// warmupIterations or maxCachedGraphs take the package defaults.
func NewWrapper(backend backends.Backend, model Model, enabled bool, warmupIterations, maxCachedGraphs int) *Wrapper {
	config := NewConfig()
	config.Enabled = enabled
	if warmupIterations > 0 {
		config.WarmupIterations = warmupIterations
	}
	if maxCachedGraphs > 0 {
		config.MaxCachedGraphs = maxCachedGraphs
	}
	return &Wrapper{manager: New(backend, model, config)}
}

// Call invokes the model, transparently replaying a captured graph when one exists for
// the input's shapes.
func (w *Wrapper) Call(feeds Feeds) (Feeds, error) {
	return w.manager.RunInference(feeds)
}

// Enabled reports whether the underlying cache is active.
func (w *Wrapper) Enabled() bool { return w.manager.IsEnabled() }

// CachedGraphsCount returns the number of currently cached graphs.
func (w *Wrapper) CachedGraphsCount() int { return w.manager.GraphInfo().NumCachedGraphs }

// Manager exposes the underlying Manager, for diagnostics and explicit capture control.
func (w *Wrapper) Manager() *Manager { return w.manager }
