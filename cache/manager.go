package cache

import (
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/devgraph/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Manager owns the shape key -> GraphContext index, the warmup counting and the capture
// protocol for one model on one backend.
//
// A key moves Unseen -> Warming -> Captured; eviction removes it entirely (back to
// Unseen). There is no transition back from Captured to Warming while a context lives.
// When disabled -- by Config.Enabled or by the platform capture probe, both resolved
// once at construction -- every call is a pure passthrough to the model.
//
// A single mutex guards the index, the warmup counters, capture and replay: the design
// assumes one logical stream of device work per Manager, on which replays and captures
// must never interleave.
type Manager struct {
	backend    backends.Backend
	model      Model
	config     Config
	capability backends.Capability
	enabled    bool

	mu       sync.Mutex
	contexts map[ShapeKey]*GraphContext
	warmups  map[ShapeKey]int
	tick     uint64
}

// RunOptions control one RunInference call. The zero value disables both the cache
// lookup and warmup counting; see DefaultRunOptions for the normal hot path.
type RunOptions struct {
	// UseGraph enables the cached path: replay if captured, count warmup otherwise.
	// If false the call goes straight to the model and no state is touched.
	UseGraph bool

	// AutoCapture enables warmup counting and the capture attempt at the threshold.
	// Callers running an explicit warmup phase set it to false to run inference
	// without contaminating the counters.
	AutoCapture bool
}

// DefaultRunOptions is what Manager.RunInference uses.
func DefaultRunOptions() RunOptions {
	return RunOptions{UseGraph: true, AutoCapture: true}
}

// Info is the diagnostic snapshot returned by GraphInfo.
type Info struct {
	Enabled          bool
	NumCachedGraphs  int
	MaxCachedGraphs  int
	WarmupIterations int
	CachedShapes     []ShapeKey
}

// New creates a Manager for the given model on the given backend.
//
// The enabled state is fixed here: the Config.Enabled flag AND the platform capture
// probe (backends.ProbeCapture), never re-derived per call. An invalid config panics.
func New(backend backends.Backend, model Model, config Config) *Manager {
	if backend == nil || model == nil {
		exceptions.Panicf("cache.New: backend and model must not be nil")
	}
	config.validate()
	capability := backends.ProbeCapture(backend)
	return &Manager{
		backend:    backend,
		model:      model,
		config:     config,
		capability: capability,
		enabled:    config.Enabled && capability.Supported(),
		contexts:   make(map[ShapeKey]*GraphContext),
		warmups:    make(map[ShapeKey]int),
	}
}

// IsEnabled reports whether the cache is active. False means every call passes through
// to the model directly.
func (m *Manager) IsEnabled() bool { return m.enabled }

// Capability returns the capture capability decision made at construction.
func (m *Manager) Capability() backends.Capability { return m.capability }

// HasGraph reports whether a captured context exists for the given shape key.
func (m *Manager) HasGraph(key ShapeKey) bool {
	if !m.enabled {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.contexts[key]
	return found
}

// RunInference is the primary hot path: replay the captured graph for the input's shape
// if one exists, otherwise count a warmup iteration (capturing at the threshold) and
// execute the model directly.
//
// It is equivalent to RunInferenceOptions with DefaultRunOptions. The returned feeds are
// always owned by the caller (replay copies out of the static output buffers).
//
// The call may block on device synchronization; treat it as a blocking operation.
func (m *Manager) RunInference(feeds Feeds) (Feeds, error) {
	return m.RunInferenceOptions(feeds, DefaultRunOptions())
}

// RunInferenceOptions is RunInference with explicit control over the cached path and
// warmup counting. See RunOptions.
//
// Whatever happens to the cache (warmup, capture success or failure), the call itself is
// always served: either by replay or by invoking the model directly.
func (m *Manager) RunInferenceOptions(feeds Feeds, opts RunOptions) (Feeds, error) {
	if !m.enabled || !opts.UseGraph {
		return m.model(feeds)
	}
	key := KeyForFeeds(feeds)

	m.mu.Lock()
	if ctx, found := m.contexts[key]; found {
		out, err := m.replayLocked(ctx, feeds)
		if err == nil {
			m.mu.Unlock()
			return out, nil
		}
		// A failed replay is fatal to the context (e.g. device reset): drop it and
		// serve the call directly.
		klog.Warningf("devgraph cache: replay of graph %s (shape %s) failed, dropping context: %v",
			ctx.ID(), key, err)
		delete(m.contexts, key)
		ctx.finalize()
		m.mu.Unlock()
		return m.model(feeds)
	}
	if opts.AutoCapture {
		m.warmups[key]++
		if m.warmups[key] == m.config.WarmupIterations {
			m.captureLocked(key, feeds)
		}
	}
	m.mu.Unlock()

	// This call is never lost waiting on capture: it always executes directly.
	return m.model(feeds)
}

// CaptureGraph explicitly captures a graph for the sample input's shape, bypassing
// warmup. It returns true on success or if a context for the shape already exists, and
// false if the Manager is disabled or the capture failed. Capture failure is an
// expected, recoverable outcome and is never propagated as an error.
func (m *Manager) CaptureGraph(sample Feeds) bool {
	if !m.enabled {
		return false
	}
	key := KeyForFeeds(sample)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.contexts[key]; found {
		return true
	}
	return m.captureLocked(key, sample)
}

// ClearGraphs evicts every context and warmup counter, releasing the underlying
// recordings and buffers.
func (m *Manager) ClearGraphs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ctx := range m.contexts {
		ctx.finalize()
		delete(m.contexts, key)
	}
	clear(m.warmups)
}

// GraphInfo returns a diagnostic snapshot: enabled state, current and maximum cache
// size, warmup threshold and the currently cached shape keys (sorted).
func (m *Manager) GraphInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	shapeKeys := make([]ShapeKey, 0, len(m.contexts))
	for key := range m.contexts {
		shapeKeys = append(shapeKeys, key)
	}
	slices.Sort(shapeKeys)
	return Info{
		Enabled:          m.enabled,
		NumCachedGraphs:  len(m.contexts),
		MaxCachedGraphs:  m.config.MaxCachedGraphs,
		WarmupIterations: m.config.WarmupIterations,
		CachedShapes:     shapeKeys,
	}
}

// Finalize releases every cached context. The Manager can still be used afterwards (it
// will just recapture); the backend itself is not finalized.
func (m *Manager) Finalize() {
	m.ClearGraphs()
}

// replayLocked serves the fast path: copy the input into the static input buffers,
// replay the recording and copy the static outputs out. Called with mu held.
func (m *Manager) replayLocked(ctx *GraphContext, feeds Feeds) (Feeds, error) {
	if len(feeds) != len(ctx.staticInputs) {
		return nil, errors.Errorf("input has %d feeds, captured graph expects %d", len(feeds), len(ctx.staticInputs))
	}
	for name, buf := range ctx.staticInputs {
		t, found := feeds[name]
		if !found {
			return nil, errors.Errorf("input is missing feed %q expected by the captured graph", name)
		}
		if err := buf.FromHost(t); err != nil {
			return nil, errors.WithMessagef(err, "writing feed %q to its static buffer", name)
		}
	}
	if err := ctx.recording.Replay(); err != nil {
		return nil, err
	}
	out := make(Feeds, len(ctx.staticOutputs))
	for name, buf := range ctx.staticOutputs {
		t, err := buf.ToHost()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading output %q from its static buffer", name)
		}
		out[name] = t
	}
	m.tick++
	ctx.lastUsed = m.tick
	return out, nil
}

// captureLocked runs the capture protocol for a shape key, evicting first if the index
// is full. Any failure is contained: partially constructed buffers are released, the
// index is left untouched, and false is returned. Called with mu held.
func (m *Manager) captureLocked(key ShapeKey, sample Feeds) bool {
	if len(m.contexts) >= m.config.MaxCachedGraphs {
		m.evictLocked()
	}

	staticInputs := make(map[string]backends.Buffer, len(sample))
	staticOutputs := make(map[string]backends.Buffer)
	discard := func() {
		finalizeBuffers(staticInputs)
		finalizeBuffers(staticOutputs)
	}
	for name, t := range sample {
		buf, err := m.backend.NewBuffer(t.Shape())
		if err == nil {
			err = buf.FromHost(t)
		}
		if err != nil {
			if buf != nil {
				buf.Finalize()
			}
			discard()
			klog.V(1).Infof("devgraph cache: failed to allocate static input %q for shape %s: %v", name, key, err)
			return false
		}
		staticInputs[name] = buf
	}

	// The recorded sequence: read the static inputs, run the model, land the outputs in
	// the static output buffers (allocated on first run, reused on replay).
	run := func() error {
		in := make(Feeds, len(staticInputs))
		for name, buf := range staticInputs {
			t, err := buf.ToHost()
			if err != nil {
				return err
			}
			in[name] = t
		}
		out, err := m.model(in)
		if err != nil {
			return err
		}
		for name, t := range out {
			buf, found := staticOutputs[name]
			if !found {
				buf, err = m.backend.NewBuffer(t.Shape())
				if err != nil {
					return err
				}
				staticOutputs[name] = buf
			}
			if err := buf.FromHost(t); err != nil {
				return err
			}
		}
		return nil
	}

	// A model that panics during recording (e.g. on an operation disallowed while
	// capturing) must not unwind through the cache: contain it and treat it as a
	// capture failure.
	var recording backends.Recording
	err := exceptions.TryCatch[error](func() {
		var captureErr error
		recording, captureErr = m.backend.Capture(m.config.MemoryPool, run)
		if captureErr != nil {
			panic(captureErr)
		}
	})
	if err != nil {
		discard()
		klog.V(1).Infof("devgraph cache: capture failed for shape %s (falling back to direct execution): %v", key, err)
		return false
	}

	m.tick++
	ctx := newGraphContext(key, recording, staticInputs, staticOutputs, m.warmups[key], m.tick)
	m.contexts[key] = ctx
	delete(m.warmups, key)
	klog.V(1).Infof("devgraph cache: captured graph %s for shape %s (%s of static buffers, %d/%d cached)",
		ctx.ID(), key, humanize.IBytes(uint64(ctx.StaticMemory())), len(m.contexts), m.config.MaxCachedGraphs)
	return true
}

// evictLocked removes the least-recently-replayed context to make room for a capture.
// Called with mu held, only when the index is at the ceiling -- an empty index here is
// an invariant violation and fails loudly.
func (m *Manager) evictLocked() {
	if len(m.contexts) == 0 {
		exceptions.Panicf("devgraph cache: eviction requested on an empty index")
	}
	var victimKey ShapeKey
	var victim *GraphContext
	for key, ctx := range m.contexts {
		if victim == nil || ctx.lastUsed < victim.lastUsed {
			victimKey, victim = key, ctx
		}
	}
	delete(m.contexts, victimKey)
	victim.finalize()
	klog.V(1).Infof("devgraph cache: evicted graph %s for shape %s (LRU)", victim.ID(), victimKey)
}
