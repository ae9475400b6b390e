// devgraph_bench measures the gain of graph capture/replay over direct dispatch for a
// synthetic model, across a range of batch sizes, on any registered backend.
//
// Example:
//
//	go run ./cmd/devgraph_bench -batches=1,4,16,64 -iterations=1000
package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/devgraph/backends"
	_ "github.com/gomlx/devgraph/backends/simgo"
	"github.com/gomlx/devgraph/cache"
	"github.com/gomlx/devgraph/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", "Backend configuration, as in DEVGRAPH_BACKEND. "+
		"Empty uses the environment variable or the first registered backend.")
	flagBatches    = flag.String("batches", "1,4,16,64", "Comma-separated batch sizes to benchmark.")
	flagFeatures   = flag.Int("features", 1024, "Number of features per example.")
	flagWarmup     = flag.Int("warmup", cache.DefaultWarmupIterations, "Warmup iterations before capture.")
	flagMaxGraphs  = flag.Int("max_graphs", cache.DefaultMaxCachedGraphs, "Maximum number of cached graphs.")
	flagIterations = flag.Int("iterations", 1000, "Measured iterations per batch size and mode.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var backend backends.Backend
	if *flagBackend != "" {
		backend = backends.NewWithConfig(*flagBackend)
	} else {
		backend = backends.New()
	}
	defer backend.Finalize()
	fmt.Printf("Backend: %s (%s), capture %s\n", backend.Name(), backend.Description(),
		backends.ProbeCapture(backend))

	config := cache.NewConfig()
	config.WarmupIterations = *flagWarmup
	config.MaxCachedGraphs = *flagMaxGraphs
	mgr := cache.New(backend, affineModel, config)
	defer mgr.Finalize()

	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Batch", "Input", "Direct", "Replay", "Speed-up")
	for _, batchStr := range strings.Split(*flagBatches, ",") {
		batch := must.M1(strconv.Atoi(strings.TrimSpace(batchStr)))
		direct, replay, inputBytes := benchBatch(mgr, batch)
		table.Row(
			strconv.Itoa(batch),
			humanize.IBytes(inputBytes),
			direct.String(),
			replay.String(),
			fmt.Sprintf("%.2fx", float64(direct)/float64(replay)))
	}
	fmt.Println(table.Render())

	info := mgr.GraphInfo()
	fmt.Printf("Cached graphs: %d of %d (warmup=%d)\n",
		info.NumCachedGraphs, info.MaxCachedGraphs, info.WarmupIterations)
	for _, key := range info.CachedShapes {
		fmt.Printf("\t%s\n", key)
	}
}

// affineModel is the synthetic workload: y = 2*x + 1, element-wise.
func affineModel(feeds cache.Feeds) (cache.Feeds, error) {
	x := feeds["x"]
	y := x.Clone()
	tensors.MutableFlatData(y, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 2*flat[ii] + 1
		}
	})
	return cache.Feeds{"y": y}, nil
}

// benchBatch warms up (and captures) the given batch shape, then measures the mean
// latency of direct execution and of replay.
func benchBatch(mgr *cache.Manager, batch int) (direct, replay time.Duration, inputBytes uint64) {
	feeds := cache.Feeds{"x": tensors.FromScalarAndDimensions(float32(1), batch, *flagFeatures)}
	inputBytes = uint64(feeds["x"].Memory())

	bar := progressbar.Default(int64(*flagWarmup+2**flagIterations), fmt.Sprintf("batch %d", batch))
	for ii := 0; ii < *flagWarmup; ii++ {
		must.M1(mgr.RunInference(feeds))
		must.M(bar.Add(1))
	}

	start := time.Now()
	for ii := 0; ii < *flagIterations; ii++ {
		must.M1(mgr.RunInferenceOptions(feeds, cache.RunOptions{UseGraph: false}))
		must.M(bar.Add(1))
	}
	direct = time.Since(start) / time.Duration(*flagIterations)

	start = time.Now()
	for ii := 0; ii < *flagIterations; ii++ {
		must.M1(mgr.RunInference(feeds))
		must.M(bar.Add(1))
	}
	replay = time.Since(start) / time.Duration(*flagIterations)
	must.M(bar.Finish())
	return
}
