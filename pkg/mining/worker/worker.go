// Package worker implements the per-device control loop shared by every
// backend: lifecycle states, pause and resume with acknowledgement, epoch
// changes and result reporting.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/search"
	"gpuminer/pkg/mining/telemetry"
)

// Backend is the device side of a worker.
type Backend interface {
	Name() string

	// Init binds device resources on first use and makes the dataset for
	// w's seed resident. A failure is terminal for the worker.
	Init(ctx context.Context, w core.WorkPackage) error

	// Search scans nonces from startNonce until hooks.ShouldStop reports
	// true or the device's range is exhausted.
	Search(w core.WorkPackage, startNonce uint64, hooks core.SearchHooks) (search.Result, error)

	HwMon(ctx context.Context) (core.HwSnapshot, error)

	// Release frees every device resource. It is called once, from the
	// work loop, when the loop exits.
	Release() error
}

// Options tune the control loop.
type Options struct {
	// Backoff is the pause after a failed search before the next attempt.
	Backoff time.Duration
}

// Worker runs one Backend on its own goroutine. It implements core.Miner.
type Worker struct {
	index   int
	backend Backend
	farm    core.Farm
	opts    Options

	// mu guards abort. aborted is set true only by the work loop, with mu
	// held, once it has observed a stop condition.
	mu      sync.Mutex
	abort   bool
	aborted *Notified

	state   atomic.Int32
	stop    atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
	doneErr error

	work        atomic.Pointer[core.WorkPackage]
	activeSeed  atomic.Pointer[core.Hash]
	exhausted   core.Hash
	isExhausted bool
	failures    int

	tally telemetry.HashTally
}

var _ core.Miner = (*Worker)(nil)

func New(index int, backend Backend, farm core.Farm, opts Options) *Worker {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		index:   index,
		backend: backend,
		farm:    farm,
		opts:    opts,
		aborted: NewNotified(true),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (w *Worker) Index() int { return w.index }

func (w *Worker) Name() string { return fmt.Sprintf("%s-%d", w.backend.Name(), w.index) }

func (w *Worker) State() core.State { return core.State(w.state.Load()) }

func (w *Worker) setState(s core.State) { w.state.Store(int32(s)) }

func (w *Worker) HashCount() uint64 { return w.tally.Load() }

// Tally exposes the hash counter for rate sampling.
func (w *Worker) Tally() *telemetry.HashTally { return &w.tally }

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// SetWork installs a new work package. A different seed invalidates the
// current dataset; a different job restarts the nonce range.
func (w *Worker) SetWork(wp core.WorkPackage) {
	if wp.Received.IsZero() {
		wp.Received = time.Now()
	}
	w.work.Store(&wp)
	w.signal()
}

func (w *Worker) Work() core.WorkPackage {
	if p := w.work.Load(); p != nil {
		return *p
	}
	return core.WorkPackage{}
}

// KickOff starts the work loop from Idle, or resumes it from Paused.
func (w *Worker) KickOff() {
	w.mu.Lock()
	state := w.State()
	if state == core.StateStopped {
		w.mu.Unlock()
		log.MinrLog.Warnf("Worker %d: kick off after stop ignored", w.index)
		return
	}
	w.abort = false
	w.aborted.Set(false)
	start := state == core.StateIdle
	if start {
		w.setState(core.StateInitializing)
	}
	w.mu.Unlock()

	if start {
		go w.WorkLoop()
		return
	}
	w.signal()
}

// Pause asks the work loop to park at its next checkpoint.
func (w *Worker) Pause() {
	w.mu.Lock()
	if !w.abort {
		w.abort = true
		if s := w.State(); s != core.StateIdle && s != core.StateStopped {
			w.aborted.Set(false)
		}
	}
	w.mu.Unlock()
	w.signal()
}

// WaitPaused blocks until the work loop has acknowledged the last Pause.
func (w *Worker) WaitPaused() { w.aborted.Wait(true) }

// Stop ends the worker. The loop releases device resources on its way out.
func (w *Worker) Stop() {
	if w.stop.Swap(true) {
		return
	}
	w.cancel()
	w.mu.Lock()
	if w.State() == core.StateIdle {
		w.setState(core.StateStopped)
		close(w.done)
	}
	w.mu.Unlock()
	w.signal()
}

// Wait blocks until the work loop has exited and returns its failure, if any.
func (w *Worker) Wait() error {
	<-w.done
	return w.doneErr
}

// Done is closed when the work loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) HwMon(ctx context.Context) (core.HwSnapshot, error) {
	return w.backend.HwMon(ctx)
}

// ShouldStop reports whether the search must stop issuing launches: a pause
// or stop was requested, the farm is shutting down, or new work needs a
// different dataset. A true result acknowledges a pending pause.
func (w *Worker) ShouldStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abort || w.stopping() || w.epochChanged() {
		w.aborted.Set(true)
		return true
	}
	return false
}

func (w *Worker) stopping() bool {
	return w.stop.Load() || (w.farm != nil && w.farm.ShouldStop())
}

func (w *Worker) epochChanged() bool {
	active := w.activeSeed.Load()
	if active == nil {
		return false
	}
	wp := w.work.Load()
	return wp != nil && wp.Valid() && wp.Seed != *active
}

func (w *Worker) abortRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort
}

// clearAck withdraws an acknowledgement given for a reason other than a pause.
func (w *Worker) clearAck() {
	w.mu.Lock()
	if !w.abort {
		w.aborted.Set(false)
	}
	w.mu.Unlock()
}

// WorkLoop is the worker goroutine. It holds its OS thread for the device
// context's sake.
func (w *Worker) WorkLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.finish()

	w.state.CompareAndSwap(int32(core.StateIdle), int32(core.StateInitializing))
	log.MinrLog.Debugf("Worker %d: work loop started", w.index)

	var current core.WorkPackage
	var next uint64
	for {
		if w.ShouldStop() {
			if w.stopping() {
				return
			}
			if w.abortRequested() {
				if !w.park() {
					return
				}
				continue
			}
			w.clearAck()
		}

		wp, ok := w.awaitWork()
		if !ok {
			continue
		}

		if active := w.activeSeed.Load(); active == nil || *active != wp.Seed {
			w.setState(core.StateInitializing)
			if err := w.backend.Init(w.ctx, wp); err != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.doneErr = fmt.Errorf("worker %d: initialization failed: %w", w.index, err)
				log.MinrLog.Errorf("%v", w.doneErr)
				if w.farm != nil {
					w.farm.ReportHealth(w.index, w.doneErr)
				}
				return
			}
			seed := wp.Seed
			w.activeSeed.Store(&seed)
			w.tally.Reset()
			current = core.WorkPackage{}
			log.MinrLog.Infof("Worker %d: dataset ready for epoch seed %s", w.index, seed.Abridged())
		}

		if !sameJob(wp, current) {
			next = wp.DeviceStartNonce(w.index)
			w.isExhausted = false
		}
		current = wp
		w.setState(core.StateSearching)

		res, err := w.backend.Search(current, next, w.hooks(current))
		next = res.NextNonce
		w.afterSearch(current, res, err)
	}
}

func sameJob(a, b core.WorkPackage) bool {
	return a.Header == b.Header && a.StartNonce == b.StartNonce &&
		a.Extranonce == b.Extranonce && a.ExSizeBits == b.ExSizeBits
}

func (w *Worker) hooks(current core.WorkPackage) core.SearchHooks {
	return core.SearchHooks{
		ShouldStop: func() bool {
			if w.ShouldStop() {
				return true
			}
			wp := w.Work()
			return !sameJob(wp, current) || wp.Boundary != current.Boundary
		},
		Found:    w.found,
		Searched: w.searched,
	}
}

// awaitWork returns the work to search, or false after waking for a reason
// the caller must re-check.
func (w *Worker) awaitWork() (core.WorkPackage, bool) {
	wp := w.Work()
	if wp.Valid() && !(w.isExhausted && wp.Header == w.exhausted) {
		return wp, true
	}
	select {
	case <-w.wake:
	case <-w.ctx.Done():
	}
	return core.WorkPackage{}, false
}

// park holds the loop in Paused until KickOff or Stop. It returns false on
// Stop.
func (w *Worker) park() bool {
	w.setState(core.StatePaused)
	log.MinrLog.Infof("Worker %d: paused", w.index)
	for {
		w.mu.Lock()
		if !w.abort {
			w.mu.Unlock()
			log.MinrLog.Infof("Worker %d: resumed", w.index)
			return true
		}
		// A Pause that raced a resume reset the acknowledgement.
		w.aborted.Set(true)
		w.mu.Unlock()
		if w.stopping() {
			return false
		}
		select {
		case <-w.wake:
		case <-w.ctx.Done():
			return false
		}
	}
}

func (w *Worker) afterSearch(current core.WorkPackage, res search.Result, err error) {
	if err != nil {
		w.failures++
		log.MinrLog.Warnf("Worker %d: search failed (%d in a row): %v", w.index, w.failures, err)
		if w.farm != nil {
			w.farm.ReportHealth(w.index, err)
		}
		select {
		case <-time.After(w.opts.Backoff):
		case <-w.ctx.Done():
		}
		return
	}
	if res.Failed > 0 {
		log.MinrLog.Debugf("Worker %d: %d batches failed and were skipped", w.index, res.Failed)
	}
	if res.Exhausted {
		log.MinrLog.Warnf("Worker %d: nonce range exhausted for job %s", w.index, current.Header.Abridged())
		w.exhausted = current.Header
		w.isExhausted = true
	}
}

// found reports every nonce, in order, against the work package the search
// was dispatched with.
func (w *Worker) found(nonces []uint64, wp core.WorkPackage) {
	for _, nonce := range nonces {
		log.MinrLog.Infof("Worker %d: solution %#016x for job %s", w.index, nonce, wp.Header.Abridged())
		if w.farm != nil {
			w.farm.SubmitProof(core.Solution{
				Device:  w.index,
				Nonce:   nonce,
				Work:    wp,
				FoundAt: time.Now(),
			})
		}
	}
}

// searched runs on the worker goroutine; the first batch after a failure
// reports the device healthy again.
func (w *Worker) searched(n uint64) {
	w.tally.Add(n)
	if w.failures > 0 {
		w.failures = 0
		if w.farm != nil {
			w.farm.ReportHealth(w.index, nil)
		}
	}
}

func (w *Worker) finish() {
	if err := w.backend.Release(); err != nil {
		log.MinrLog.Warnf("Worker %d: releasing device resources: %v", w.index, err)
	}
	w.mu.Lock()
	w.setState(core.StateStopped)
	w.aborted.Set(true)
	w.mu.Unlock()
	log.MinrLog.Infof("Worker %d: stopped", w.index)
	close(w.done)
}
