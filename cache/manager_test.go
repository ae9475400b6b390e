package cache_test

import (
	"testing"

	"github.com/gomlx/devgraph/backends"
	"github.com/gomlx/devgraph/backends/simgo"
	"github.com/gomlx/devgraph/cache"
	"github.com/gomlx/devgraph/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubler is the model used by most tests: y = 2*x, counting direct invocations.
// During replay the simulated backend re-executes the recorded closure (which includes
// the model), so calls only counts meaningfully before the first capture.
type doubler struct {
	calls int
}

func (d *doubler) model(feeds cache.Feeds) (cache.Feeds, error) {
	d.calls++
	x, found := feeds["x"]
	if !found {
		return nil, errors.New("missing feed \"x\"")
	}
	y := x.Clone()
	tensors.MutableFlatData(y, func(flat []float32) {
		for ii := range flat {
			flat[ii] *= 2
		}
	})
	return cache.Feeds{"y": y}, nil
}

func feedsOf(values ...float32) cache.Feeds {
	return cache.Feeds{"x": tensors.FromFlatDataAndDimensions(values, len(values))}
}

func requireDoubled(t *testing.T, out cache.Feeds, values ...float32) {
	t.Helper()
	require.Len(t, out, 1)
	doubled := make([]float32, len(values))
	for ii, v := range values {
		doubled[ii] = 2 * v
	}
	require.True(t, out["y"].Equal(tensors.FromFlatDataAndDimensions(doubled, len(values))),
		"got %s", out["y"])
}

func newTestManager(t *testing.T, warmup, maxGraphs int) (*cache.Manager, *doubler, *simgo.Backend) {
	t.Helper()
	backend := simgo.New("").(*simgo.Backend)
	d := &doubler{}
	config := cache.NewConfig()
	config.WarmupIterations = warmup
	config.MaxCachedGraphs = maxGraphs
	return cache.New(backend, d.model, config), d, backend
}

func TestDisabledPassthrough(t *testing.T) {
	check := func(t *testing.T, mgr *cache.Manager, d *doubler) {
		t.Helper()
		assert.False(t, mgr.IsEnabled())
		for ii := 0; ii < 5; ii++ {
			out, err := mgr.RunInference(feedsOf(1, 2))
			require.NoError(t, err)
			requireDoubled(t, out, 1, 2)
		}
		assert.Equal(t, 5, d.calls)
		assert.False(t, mgr.HasGraph(cache.DeriveKey(feedsOf(1, 2))))
		assert.False(t, mgr.CaptureGraph(feedsOf(1, 2)))
		assert.Equal(t, 0, mgr.GraphInfo().NumCachedGraphs)
	}

	t.Run("config", func(t *testing.T) {
		d := &doubler{}
		config := cache.NewConfig()
		config.Enabled = false
		check(t, cache.New(simgo.New(""), d.model, config), d)
	})
	t.Run("platform", func(t *testing.T) {
		d := &doubler{}
		mgr := cache.New(simgo.New("nocapture"), d.model, cache.NewConfig())
		assert.Equal(t, backends.CaptureUnsupportedByBackend, mgr.Capability())
		check(t, mgr, d)
	})
	t.Run("env", func(t *testing.T) {
		t.Setenv(backends.DisableCaptureEnv, "1")
		d := &doubler{}
		mgr := cache.New(simgo.New(""), d.model, cache.NewConfig())
		assert.Equal(t, backends.CaptureDisabledByEnv, mgr.Capability())
		check(t, mgr, d)
	})
	t.Run("old_runtime", func(t *testing.T) {
		d := &doubler{}
		mgr := cache.New(simgo.New("oldruntime"), d.model, cache.NewConfig())
		assert.Equal(t, backends.CaptureRuntimeTooOld, mgr.Capability())
		check(t, mgr, d)
	})
}

func TestWarmupGating(t *testing.T) {
	mgr, _, _ := newTestManager(t, 3, 8)
	key := cache.DeriveKey(feedsOf(1, 2, 3))

	for call := 1; call <= 2; call++ {
		out, err := mgr.RunInference(feedsOf(1, 2, 3))
		require.NoError(t, err)
		requireDoubled(t, out, 1, 2, 3)
		assert.Falsef(t, mgr.HasGraph(key), "no graph expected after %d of 3 warmup calls", call)
	}

	// Third call reaches the threshold: capture happens, and the call itself is still
	// served (by direct execution).
	out, err := mgr.RunInference(feedsOf(1, 2, 3))
	require.NoError(t, err)
	requireDoubled(t, out, 1, 2, 3)
	assert.True(t, mgr.HasGraph(key))
}

func TestAutoCaptureDisabled(t *testing.T) {
	mgr, _, _ := newTestManager(t, 2, 8)
	key := cache.DeriveKey(feedsOf(1))

	// Explicit warmup phase: any number of calls with AutoCapture off never advances
	// the counter.
	for ii := 0; ii < 10; ii++ {
		out, err := mgr.RunInferenceOptions(feedsOf(1), cache.RunOptions{UseGraph: true, AutoCapture: false})
		require.NoError(t, err)
		requireDoubled(t, out, 1)
	}
	assert.False(t, mgr.HasGraph(key))

	// The counter starts from zero once AutoCapture is turned back on.
	_, err := mgr.RunInference(feedsOf(1))
	require.NoError(t, err)
	assert.False(t, mgr.HasGraph(key))
	_, err = mgr.RunInference(feedsOf(1))
	require.NoError(t, err)
	assert.True(t, mgr.HasGraph(key))
}

func TestUseGraphDisabled(t *testing.T) {
	mgr, d, backend := newTestManager(t, 1, 8)
	require.True(t, mgr.CaptureGraph(feedsOf(5)))

	// UseGraph=false bypasses the cache even for a captured shape.
	out, err := mgr.RunInferenceOptions(feedsOf(5), cache.RunOptions{UseGraph: false})
	require.NoError(t, err)
	requireDoubled(t, out, 5)
	assert.Equal(t, 0, backend.NumReplays())
	assert.Equal(t, 2, d.calls) // capture run + direct call
}

func TestReplay(t *testing.T) {
	mgr, _, backend := newTestManager(t, 1, 8)

	// First call warms up (threshold 1), captures and runs direct.
	out, err := mgr.RunInference(feedsOf(1, 2))
	require.NoError(t, err)
	requireDoubled(t, out, 1, 2)
	require.True(t, mgr.HasGraph(cache.DeriveKey(feedsOf(1, 2))))

	// Subsequent same-shape calls replay with refreshed input values.
	out, err = mgr.RunInference(feedsOf(10, 20))
	require.NoError(t, err)
	requireDoubled(t, out, 10, 20)
	assert.Equal(t, 1, backend.NumReplays())

	// The replay output is an owned copy: mutating it doesn't leak into later replays.
	tensors.MutableFlatData(out["y"], func(flat []float32) { flat[0] = -1 })
	out, err = mgr.RunInference(feedsOf(3, 4))
	require.NoError(t, err)
	requireDoubled(t, out, 3, 4)
	assert.Equal(t, 2, backend.NumReplays())

	// A different shape is a different key: back to warmup, no replay.
	out, err = mgr.RunInference(feedsOf(1, 2, 3))
	require.NoError(t, err)
	requireDoubled(t, out, 1, 2, 3)
	assert.Equal(t, 2, mgr.GraphInfo().NumCachedGraphs)
}

func TestBoundedCacheAndLRUEviction(t *testing.T) {
	mgr, _, _ := newTestManager(t, 1, 2)

	shapeA, shapeB, shapeC := feedsOf(1), feedsOf(1, 2), feedsOf(1, 2, 3)
	keyA, keyB, keyC := cache.DeriveKey(shapeA), cache.DeriveKey(shapeB), cache.DeriveKey(shapeC)

	require.True(t, mgr.CaptureGraph(shapeA))
	require.True(t, mgr.CaptureGraph(shapeB))
	assert.Equal(t, 2, mgr.GraphInfo().NumCachedGraphs)

	// Replay A so that B becomes the least-recently-replayed entry.
	_, err := mgr.RunInference(shapeA)
	require.NoError(t, err)

	// Capturing C at the ceiling evicts B.
	require.True(t, mgr.CaptureGraph(shapeC))
	info := mgr.GraphInfo()
	assert.Equal(t, 2, info.NumCachedGraphs)
	assert.True(t, mgr.HasGraph(keyA))
	assert.False(t, mgr.HasGraph(keyB))
	assert.True(t, mgr.HasGraph(keyC))

	// The bound holds however many distinct shapes are captured.
	for dim := 4; dim <= 10; dim++ {
		feeds := cache.Feeds{"x": tensorOf(dim)}
		require.True(t, mgr.CaptureGraph(feeds))
		assert.LessOrEqual(t, mgr.GraphInfo().NumCachedGraphs, 2)
	}
}

func TestCaptureGraphIdempotent(t *testing.T) {
	mgr, d, backend := newTestManager(t, 1, 8)
	require.True(t, mgr.CaptureGraph(feedsOf(1)))
	calls := d.calls
	require.True(t, mgr.CaptureGraph(feedsOf(1)))
	assert.Equal(t, calls, d.calls, "re-capturing an already captured shape must be a no-op")
	assert.Equal(t, 1, backend.NumCaptures())
}

func TestClearGraphs(t *testing.T) {
	mgr, _, _ := newTestManager(t, 1, 8)
	require.True(t, mgr.CaptureGraph(feedsOf(1)))
	require.True(t, mgr.CaptureGraph(feedsOf(1, 2)))
	require.Equal(t, 2, mgr.GraphInfo().NumCachedGraphs)

	mgr.ClearGraphs()
	info := mgr.GraphInfo()
	assert.Equal(t, 0, info.NumCachedGraphs)
	assert.Empty(t, info.CachedShapes)
	assert.False(t, mgr.HasGraph(cache.DeriveKey(feedsOf(1))))

	// The cache still works after a clear.
	require.True(t, mgr.CaptureGraph(feedsOf(1)))
	out, err := mgr.RunInference(feedsOf(7))
	require.NoError(t, err)
	requireDoubled(t, out, 7)
}

func TestGraphInfo(t *testing.T) {
	mgr, _, _ := newTestManager(t, 4, 3)
	info := mgr.GraphInfo()
	assert.True(t, info.Enabled)
	assert.Equal(t, 0, info.NumCachedGraphs)
	assert.Equal(t, 3, info.MaxCachedGraphs)
	assert.Equal(t, 4, info.WarmupIterations)

	require.True(t, mgr.CaptureGraph(feedsOf(1, 2)))
	info = mgr.GraphInfo()
	assert.Equal(t, 1, info.NumCachedGraphs)
	assert.Equal(t, []cache.ShapeKey{cache.DeriveKey(feedsOf(1, 2))}, info.CachedShapes)
}

func TestCaptureFailure(t *testing.T) {
	backend := simgo.New("").(*simgo.Backend)

	t.Run("model_error", func(t *testing.T) {
		failing := func(feeds cache.Feeds) (cache.Feeds, error) {
			return nil, errors.New("data-dependent control flow")
		}
		mgr := cache.New(backend, failing, cache.NewConfig())
		assert.False(t, mgr.CaptureGraph(feedsOf(1)))
		assert.False(t, mgr.HasGraph(cache.DeriveKey(feedsOf(1))))
		assert.Equal(t, 0, mgr.GraphInfo().NumCachedGraphs)

		// The inference call itself fails the way a direct call would -- the error is
		// the model's, not the cache's.
		_, err := mgr.RunInference(feedsOf(1))
		require.ErrorContains(t, err, "data-dependent control flow")
	})

	t.Run("model_panic", func(t *testing.T) {
		panicking := func(feeds cache.Feeds) (cache.Feeds, error) {
			panic(errors.New("disallowed allocation during recording"))
		}
		mgr := cache.New(backend, panicking, cache.NewConfig())
		// The panic is contained at the capture boundary and converted to false.
		assert.False(t, mgr.CaptureGraph(feedsOf(1)))
		assert.Equal(t, 0, mgr.GraphInfo().NumCachedGraphs)
	})

	t.Run("warmup_then_failure_still_serves_call", func(t *testing.T) {
		d := &doubler{}
		failOnCapture := func(feeds cache.Feeds) (cache.Feeds, error) {
			// Rank-2 inputs hit an "unsupported op", everything else works.
			if feeds["x"].Shape().Rank() == 2 {
				return nil, errors.New("unsupported op")
			}
			return d.model(feeds)
		}
		config := cache.NewConfig()
		config.WarmupIterations = 1
		mgr := cache.New(backend, failOnCapture, config)
		rank2 := cache.Feeds{"x": tensorOf(2, 2)}
		_, err := mgr.RunInference(rank2)
		// Capture failed silently; the direct call reports the model's own error.
		require.ErrorContains(t, err, "unsupported op")
		assert.False(t, mgr.HasGraph(cache.DeriveKey(rank2)))

		// Rank-1 inputs still capture and replay fine on the same manager.
		out, err := mgr.RunInference(feedsOf(4))
		require.NoError(t, err)
		requireDoubled(t, out, 4)
		assert.True(t, mgr.HasGraph(cache.DeriveKey(feedsOf(4))))
	})
}

// flakyBackend wraps a real backend and makes every recording fail after a given number
// of successful replays, simulating a device reset.
type flakyBackend struct {
	backends.Backend
	replaysLeft int
}

type flakyRecording struct {
	backends.Recording
	backend *flakyBackend
}

func (b *flakyBackend) Capture(pool any, run func() error) (backends.Recording, error) {
	rec, err := b.Backend.Capture(pool, run)
	if err != nil {
		return nil, err
	}
	return &flakyRecording{Recording: rec, backend: b}, nil
}

func (r *flakyRecording) Replay() error {
	if r.backend.replaysLeft <= 0 {
		return errors.New("device reset")
	}
	r.backend.replaysLeft--
	return r.Recording.Replay()
}

func TestReplayFailureFallsBack(t *testing.T) {
	backend := &flakyBackend{Backend: simgo.New(""), replaysLeft: 1}
	d := &doubler{}
	config := cache.NewConfig()
	config.WarmupIterations = 1
	mgr := cache.New(backend, d.model, config)
	key := cache.DeriveKey(feedsOf(1, 2))

	_, err := mgr.RunInference(feedsOf(1, 2)) // warmup + capture
	require.NoError(t, err)
	require.True(t, mgr.HasGraph(key))

	out, err := mgr.RunInference(feedsOf(3, 4)) // replay ok
	require.NoError(t, err)
	requireDoubled(t, out, 3, 4)

	// Replay now fails: the context is dropped and the call falls back to direct
	// execution, with no error surfaced to the caller.
	out, err = mgr.RunInference(feedsOf(5, 6))
	require.NoError(t, err)
	requireDoubled(t, out, 5, 6)
	assert.False(t, mgr.HasGraph(key))
}

// TestScenario is the end-to-end scenario: warmup 3, max 2 cached graphs, shapes A, B
// and C interleaved.
func TestScenario(t *testing.T) {
	mgr, _, _ := newTestManager(t, 3, 2)
	shapeA, shapeB, shapeC := feedsOf(1), feedsOf(1, 2), feedsOf(1, 2, 3)
	keyA, keyB, keyC := cache.DeriveKey(shapeA), cache.DeriveKey(shapeB), cache.DeriveKey(shapeC)

	// Four calls with shape A: capture is attempted on the 3rd, the 4th replays.
	for call := 1; call <= 4; call++ {
		out, err := mgr.RunInference(shapeA)
		require.NoError(t, err)
		requireDoubled(t, out, 1)
		assert.Equal(t, call >= 3, mgr.HasGraph(keyA), "call %d", call)
	}

	// Two calls each with B and C: both still warming.
	for ii := 0; ii < 2; ii++ {
		_, err := mgr.RunInference(shapeB)
		require.NoError(t, err)
		_, err = mgr.RunInference(shapeC)
		require.NoError(t, err)
	}
	assert.False(t, mgr.HasGraph(keyB))
	assert.False(t, mgr.HasGraph(keyC))

	// C reaches its warmup threshold and captures.
	_, err := mgr.RunInference(shapeC)
	require.NoError(t, err)
	assert.True(t, mgr.HasGraph(keyC))

	info := mgr.GraphInfo()
	assert.Equal(t, 2, info.NumCachedGraphs)
	cached := 0
	for _, key := range []cache.ShapeKey{keyA, keyB, keyC} {
		if mgr.HasGraph(key) {
			cached++
		}
	}
	assert.Equal(t, 2, cached)
}

func TestInvalidConfig(t *testing.T) {
	backend := simgo.New("")
	d := &doubler{}
	config := cache.NewConfig()
	config.WarmupIterations = 0
	require.Panics(t, func() { cache.New(backend, d.model, config) })

	config = cache.NewConfig()
	config.MaxCachedGraphs = -1
	require.Panics(t, func() { cache.New(backend, d.model, config) })
}
