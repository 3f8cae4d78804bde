// Package software is the CPU backend: the same worker contract as the GPU
// backend, searching a host-resident dataset on every core.
package software

import (
	"context"
	"math"
	"runtime"
	"slices"
	"sync"
	"time"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/dag"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/hardware"
	"gpuminer/pkg/mining/registry"
	"gpuminer/pkg/mining/search"
	"gpuminer/pkg/mining/worker"
)

// cpuSensorKeys select CPU package sensors for HwMon.
var cpuSensorKeys = []string{"coretemp", "k10temp", "cpu_thermal", "cpu"}

// Options tune the CPU search.
type Options struct {
	// Threads is the number of goroutines hashing each batch.
	Threads int
	// BatchSize is the number of nonces between stop checks.
	BatchSize uint64
	Monitor   hardware.Monitor
}

func (o *Options) setDefaults() {
	if o.Threads <= 0 {
		o.Threads = runtime.GOMAXPROCS(0)
	}
	if o.BatchSize == 0 {
		o.BatchSize = 4096
	}
	if o.Monitor == nil {
		o.Monitor = hardware.Sensors{Keys: cpuSensorKeys}
	}
}

// Backend hashes on the host CPU.
type Backend struct {
	index int
	algo  *ethash.Ethash
	store *dag.HostStore
	opts  Options

	seed    core.Hash
	dataset []byte
}

var _ worker.Backend = (*Backend)(nil)

func New(index int, algo *ethash.Ethash, store *dag.HostStore, opts Options) *Backend {
	opts.setDefaults()
	if store == nil {
		store = dag.NewHostStore(algo, 0)
	}
	return &Backend{index: index, algo: algo, store: store, opts: opts}
}

// NewMiner returns a CPU worker.
func NewMiner(index int, farm core.Farm, algo *ethash.Ethash, store *dag.HostStore, opts Options, wopts worker.Options) *worker.Worker {
	return worker.New(index, New(index, algo, store, opts), farm, wopts)
}

func (b *Backend) Name() string { return "software" }

func (b *Backend) Init(ctx context.Context, w core.WorkPackage) error {
	if b.dataset != nil && b.seed == w.Seed {
		return nil
	}
	epoch, err := b.algo.EpochOf(w.Seed)
	if err != nil {
		return core.WrapError(core.ErrCodeResource, "resolve epoch", err)
	}
	light, err := b.store.Light(w.Seed)
	if err != nil {
		return core.WrapError(core.ErrCodeResource, "light cache", err)
	}
	b.dataset = nil

	size := b.algo.DatasetSize(epoch)
	if data, ok := b.store.Mirror(w.Seed); ok && uint64(len(data)) == size {
		b.dataset = data
	} else {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.store.RoomForMirror(size) {
			return core.NewError(core.ErrCodeOutOfMemory, "insufficient host memory for dataset", registry.FormatBytes(size))
		}
		start := time.Now()
		data := make([]byte, size)
		if err := b.algo.GenerateDataset(data, light); err != nil {
			return core.WrapError(core.ErrCodeResource, "dataset generation", err)
		}
		log.DagLog.Infof("CPU %d: generated epoch %d dataset (%s) in %v", b.index, epoch,
			registry.FormatBytes(size), time.Since(start).Round(time.Millisecond))
		b.dataset = data
	}
	b.seed = w.Seed
	return nil
}

// Search hashes batches of Options.BatchSize nonces, split across the
// configured threads, until hooks.ShouldStop reports true or the range ends.
func (b *Backend) Search(w core.WorkPackage, startNonce uint64, hooks core.SearchHooks) (search.Result, error) {
	res := search.Result{NextNonce: startNonce}
	if b.dataset == nil {
		return res, core.ErrNotInitialized
	}
	end := w.DeviceEndNonce(b.index)
	next := startNonce
	wrapped := false
	for {
		if hooks.ShouldStop != nil && hooks.ShouldStop() {
			res.Stopped = true
			break
		}
		width := b.opts.BatchSize
		switch {
		case wrapped, end != 0 && next >= end:
			res.Exhausted = true
		case end != 0:
			width = min(width, end-next)
		case math.MaxUint64-next < width-1:
			width = math.MaxUint64 - next + 1
		}
		if res.Exhausted {
			break
		}

		nonces := b.scan(w, next, width)
		if len(nonces) > 0 && hooks.Found != nil {
			hooks.Found(nonces, w)
		}
		if hooks.Searched != nil {
			hooks.Searched(width)
		}
		res.Hashes += width
		res.Batches++
		next += width
		wrapped = next == 0
	}
	res.NextNonce = next
	return res, nil
}

func (b *Backend) scan(w core.WorkPackage, first, width uint64) []uint64 {
	threads := uint64(b.opts.Threads)
	chunk := (width + threads - 1) / threads
	target := w.Target()

	var (
		mu    sync.Mutex
		found []uint64
		wg    sync.WaitGroup
	)
	for off := uint64(0); off < width; off += chunk {
		lo, n := first+off, min(chunk, width-off)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []uint64
			for i := uint64(0); i < n; i++ {
				nonce := lo + i
				_, result := ethash.Hashimoto(b.dataset, w.Header, nonce)
				ok := result.Upper64() <= target
				if w.Segmented() {
					ok = result.Cmp(w.Boundary) <= 0
				}
				if ok {
					local = append(local, nonce)
				}
			}
			if len(local) > 0 {
				mu.Lock()
				found = append(found, local...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	slices.Sort(found)
	return found
}

func (b *Backend) HwMon(ctx context.Context) (core.HwSnapshot, error) {
	return b.opts.Monitor.Snapshot(ctx, 0)
}

func (b *Backend) Release() error {
	b.dataset = nil
	return nil
}
