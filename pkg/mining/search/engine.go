// Package search drives asynchronous kernel launches over a contiguous
// nonce range on a worker's streams.
package search

import (
	"fmt"
	"math"
	"runtime"
	"slices"
	"time"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/registry"
)

const (
	defaultPollInterval = 100 * time.Microsecond
	defaultMaxFailures  = 3
)

// Config is the launch geometry and wait policy of an Engine.
type Config struct {
	GridSize     uint
	BlockSize    uint
	ParallelHash uint
	Schedule     gpu.ScheduleFlag

	// PollInterval is the sleep between polls in yield mode.
	PollInterval time.Duration

	// MaxFailures is the number of consecutive failed batches after which
	// the search gives up and reports the device unhealthy.
	MaxFailures int
}

// ConfigFor derives the engine settings from the shared configuration.
func ConfigFor(cfg *registry.Config) Config {
	return Config{
		GridSize:     cfg.GridSize,
		BlockSize:    cfg.BlockSize,
		ParallelHash: cfg.ParallelHash,
		Schedule:     cfg.Schedule,
	}
}

// Request is one search call.
type Request struct {
	// Work is handed back unchanged with every found report.
	Work core.WorkPackage

	Header      core.Hash
	Target      uint64
	StartNonce  uint64
	EndNonce    uint64 // exclusive; 0 searches to the end of the nonce space
	Dataset     gpu.DevicePtr
	DatasetSize uint64

	// Verify, when set, re-checks each candidate on the host and drops the
	// ones it rejects.
	Verify func(nonce uint64) bool
}

// Result summarizes a finished search call.
type Result struct {
	// NextNonce is the first nonce not handed to a launch.
	NextNonce uint64
	Hashes    uint64
	Batches   int
	Failed    int
	Stopped   bool
	Exhausted bool
}

// Engine runs searches on a StreamSet.
type Engine struct {
	streams *StreamSet
	cfg     Config
}

func NewEngine(streams *StreamSet, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ParallelHash == 0 {
		cfg.ParallelHash = 1
	}
	return &Engine{streams: streams, cfg: cfg}
}

// Width is the number of nonces one launch covers.
func (e *Engine) Width() uint64 {
	return uint64(e.cfg.GridSize) * uint64(e.cfg.ParallelHash)
}

// Streams returns the engine's slot arena.
func (e *Engine) Streams() *StreamSet { return e.streams }

type batch struct {
	seq    uint64
	start  uint64
	width  uint64
	nonces []uint64
	err    error
}

type run struct {
	e     *Engine
	req   Request
	hooks core.SearchHooks

	next     uint64
	wrapped  bool
	seq      uint64
	deliver  uint64
	pending  map[uint64]batch
	inflight int
	stopping bool
	failures int
	lastErr  error
	res      Result
}

// Search launches one batch per idle stream, polls the streams without
// letting one block the others, and delivers completed batches in launch
// order. hooks.ShouldStop is checked before every launch; once it reports
// true no launch is issued and Search returns when the in-flight batches
// have drained.
func (e *Engine) Search(req Request, hooks core.SearchHooks) (Result, error) {
	r := &run{
		e:       e,
		req:     req,
		hooks:   hooks,
		next:    req.StartNonce,
		pending: make(map[uint64]batch),
	}
	slots := e.streams.slots

	for {
		r.fill(slots)
		if r.inflight == 0 {
			if r.stopping || r.res.Exhausted {
				break
			}
			continue
		}
		if !r.poll(slots) {
			r.wait(slots)
		}
	}

	r.res.NextNonce = r.next
	if r.failures >= e.cfg.MaxFailures {
		return r.res, core.WrapError(core.ErrCodeDeviceUnhealthy,
			fmt.Sprintf("%d consecutive failed batches", r.failures), r.lastErr)
	}
	return r.res, nil
}

// remaining returns how many nonces are left before the end of the range.
func (r *run) remaining() uint64 {
	if r.req.EndNonce != 0 {
		if r.next >= r.req.EndNonce {
			return 0
		}
		return r.req.EndNonce - r.next
	}
	if r.wrapped {
		return 0
	}
	if r.next == 0 {
		return math.MaxUint64
	}
	return math.MaxUint64 - r.next + 1
}

func (r *run) fill(slots []slot) {
	for i := range slots {
		if r.stopping || r.res.Exhausted {
			return
		}
		sl := &slots[i]
		if sl.busy {
			continue
		}
		if r.hooks.ShouldStop != nil && r.hooks.ShouldStop() {
			r.stopping = true
			r.res.Stopped = true
			return
		}
		width := min(r.e.Width(), r.remaining())
		if width == 0 {
			r.res.Exhausted = true
			return
		}
		sl.results.Reset()
		err := sl.stream.Launch(gpu.KernelParams{
			Dataset:      r.req.Dataset,
			DatasetSize:  r.req.DatasetSize,
			Header:       r.req.Header,
			Target:       r.req.Target,
			StartNonce:   r.next,
			Width:        width,
			GridSize:     r.e.cfg.GridSize,
			BlockSize:    r.e.cfg.BlockSize,
			ParallelHash: r.e.cfg.ParallelHash,
			Results:      sl.results,
		})
		if err != nil {
			r.fail(err)
			return
		}
		sl.busy = true
		sl.seq = r.seq
		sl.start = r.next
		sl.width = width
		r.seq++
		r.inflight++
		r.next += width
		if r.next == 0 {
			r.wrapped = true
		}
	}
}

func (r *run) fail(err error) {
	r.failures++
	r.res.Failed++
	r.lastErr = err
	log.SrchLog.Warnf("Batch failed (%d consecutive): %v", r.failures, err)
	if r.failures >= r.e.cfg.MaxFailures {
		r.stopping = true
	}
}

// poll completes every finished slot and reports whether any finished.
func (r *run) poll(slots []slot) bool {
	progressed := false
	for i := range slots {
		sl := &slots[i]
		if !sl.busy {
			continue
		}
		done, err := sl.stream.Query()
		if !done {
			continue
		}
		r.complete(sl, err)
		progressed = true
	}
	return progressed
}

func (r *run) wait(slots []slot) {
	switch r.e.cfg.Schedule {
	case gpu.ScheduleSpin:
		runtime.Gosched()
	case gpu.ScheduleBlockingSync:
		var oldest *slot
		for i := range slots {
			if slots[i].busy && (oldest == nil || slots[i].seq < oldest.seq) {
				oldest = &slots[i]
			}
		}
		if oldest != nil {
			r.complete(oldest, oldest.stream.Synchronize())
		}
	default:
		time.Sleep(r.e.cfg.PollInterval)
	}
}

func (r *run) complete(sl *slot, err error) {
	sl.busy = false
	r.inflight--
	b := batch{seq: sl.seq, start: sl.start, width: sl.width, err: err}
	if err != nil {
		r.fail(err)
	} else {
		r.failures = 0
		b.nonces = r.filter(sl.results.Found())
	}
	r.pending[b.seq] = b
	for {
		next, ok := r.pending[r.deliver]
		if !ok {
			return
		}
		delete(r.pending, r.deliver)
		r.deliver++
		r.emit(next)
	}
}

func (r *run) filter(nonces []uint64) []uint64 {
	if len(nonces) == 0 {
		return nil
	}
	slices.Sort(nonces)
	if r.req.Verify == nil {
		return nonces
	}
	kept := nonces[:0]
	for _, n := range nonces {
		if r.req.Verify(n) {
			kept = append(kept, n)
		} else {
			log.SrchLog.Debugf("Nonce %#x rejected by boundary check", n)
		}
	}
	return kept
}

func (r *run) emit(b batch) {
	r.res.Batches++
	if b.err != nil {
		return
	}
	if len(b.nonces) > 0 && r.hooks.Found != nil {
		r.hooks.Found(b.nonces, r.req.Work)
	}
	r.res.Hashes += b.width
	if r.hooks.Searched != nil {
		r.hooks.Searched(b.width)
	}
}
