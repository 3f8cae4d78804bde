// Package farm owns the workers of one process: it hands them work, fans
// their solutions out to sinks and samples their hashrates.
package farm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/factory"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/telemetry"
	"gpuminer/pkg/mining/worker"
)

// Options tune the farm.
type Options struct {
	HashrateInterval time.Duration
	History          int
	Sinks            []Sink
}

func (o *Options) setDefaults() {
	if o.HashrateInterval <= 0 {
		o.HashrateInterval = 5 * time.Second
	}
	if o.History <= 0 {
		o.History = 100
	}
	if len(o.Sinks) == 0 {
		o.Sinks = []Sink{LogSink{}}
	}
}

// Health is the last reported condition of one worker.
type Health struct {
	Healthy bool      `json:"healthy"`
	Error   string    `json:"error,omitempty"`
	Since   time.Time `json:"since"`
}

// Farm implements core.Farm for the workers it constructs.
type Farm struct {
	id      uuid.UUID
	opts    Options
	factory *factory.Factory
	metrics *telemetry.Registry
	started time.Time

	// pending is the FIFO of undelivered solutions. queued is signalled
	// after every append.
	qmu     sync.Mutex
	pending []core.Solution
	queued  chan struct{}

	stopping atomic.Bool

	mu        sync.Mutex
	miners    []*worker.Worker
	meters    []*telemetry.RateMeter
	health    map[int]Health
	solutions []core.Solution
	work      core.WorkPackage
	paused    bool
}

var _ core.Farm = (*Farm)(nil)

func New(f *factory.Factory, opts Options) *Farm {
	opts.setDefaults()
	return &Farm{
		id:      uuid.New(),
		opts:    opts,
		factory: f,
		metrics: telemetry.NewRegistry(),
		queued:  make(chan struct{}, 1),
		health:  make(map[int]Health),
	}
}

// ID identifies this farm instance to solution receivers.
func (f *Farm) ID() string { return f.id.String() }

func (f *Farm) Metrics() *telemetry.Registry { return f.metrics }

// Start constructs the workers and kicks them off. They wait for work.
func (f *Farm) Start() error {
	miners, err := f.factory.NewMiners(f)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.miners = miners
	f.meters = make([]*telemetry.RateMeter, len(miners))
	for i := range miners {
		f.meters[i] = telemetry.NewRateMeter(6 * f.opts.HashrateInterval)
		f.health[i] = Health{Healthy: true, Since: time.Now()}
	}
	f.started = time.Now()
	f.mu.Unlock()

	for _, m := range miners {
		m.KickOff()
	}
	log.FarmLog.Infof("Farm %s started %d %s workers", f.id, len(miners), f.factory.Method())
	return nil
}

// Run delivers solutions and samples hashrates until ctx ends or every
// worker has exited, then stops the workers.
func (f *Farm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.report(gctx) })
	g.Go(func() error { return f.sample(gctx) })
	g.Go(func() error { return f.watch(gctx) })
	err := g.Wait()
	f.Stop()
	if errors.Is(err, context.Canceled) || errors.Is(err, errAllStopped) {
		return nil
	}
	return err
}

var errAllStopped = errors.New("all workers stopped")

func (f *Farm) watch(ctx context.Context) error {
	for _, m := range f.Miners() {
		select {
		case <-m.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var errs []error
	for _, m := range f.Miners() {
		if err := m.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return errAllStopped
}

func (f *Farm) report(ctx context.Context) error {
	for {
		for _, sol := range f.takePending() {
			f.deliver(ctx, sol)
		}
		select {
		case <-ctx.Done():
			f.drain()
			return ctx.Err()
		case <-f.queued:
		}
	}
}

func (f *Farm) takePending() []core.Solution {
	f.qmu.Lock()
	defer f.qmu.Unlock()
	sols := f.pending
	f.pending = nil
	return sols
}

// drain delivers whatever was queued before shutdown.
func (f *Farm) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sol := range f.takePending() {
		f.deliver(ctx, sol)
	}
}

// AddSink adds a solution sink.
func (f *Farm) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts.Sinks = append(f.opts.Sinks, s)
}

func (f *Farm) deliver(ctx context.Context, sol core.Solution) {
	f.mu.Lock()
	sinks := f.opts.Sinks
	f.mu.Unlock()
	for _, s := range sinks {
		labels := map[string]string{"sink": s.Name()}
		if err := s.Submit(ctx, sol); err != nil {
			log.FarmLog.Errorf("Sink %s: solution %s: %v", s.Name(), sol.ID, err)
			f.metrics.Inc("gpuminer_solutions_failed_total", labels, 1)
			continue
		}
		f.metrics.Inc("gpuminer_solutions_submitted_total", labels, 1)
	}
}

func (f *Farm) sample(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.HashrateInterval)
	defer ticker.Stop()
	for {
		f.Sample(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sample records every worker's hash count at now.
func (f *Farm) Sample(now time.Time) {
	f.mu.Lock()
	miners, meters := f.miners, f.meters
	f.mu.Unlock()
	var total float64
	for i, m := range miners {
		meters[i].Observe(m.Tally(), now)
		rate := meters[i].Rate()
		total += rate
		labels := map[string]string{"worker": strconv.Itoa(i)}
		f.metrics.Set("gpuminer_hashrate", labels, rate)
		f.metrics.Set("gpuminer_hashes", labels, float64(m.HashCount()))
	}
	f.metrics.Set("gpuminer_hashrate_total", nil, total)
}

// SubmitProof queues a solution for delivery. It never blocks the worker
// and never drops a solution.
func (f *Farm) SubmitProof(sol core.Solution) {
	if sol.ID == "" {
		sol.ID = uuid.NewString()
	}
	f.mu.Lock()
	f.solutions = append(f.solutions, sol)
	if over := len(f.solutions) - f.opts.History; over > 0 {
		f.solutions = append([]core.Solution(nil), f.solutions[over:]...)
	}
	f.mu.Unlock()
	f.metrics.Inc("gpuminer_solutions_found_total", map[string]string{"worker": strconv.Itoa(sol.Device)}, 1)

	f.qmu.Lock()
	f.pending = append(f.pending, sol)
	f.qmu.Unlock()
	select {
	case f.queued <- struct{}{}:
	default:
	}
}

func (f *Farm) ShouldStop() bool { return f.stopping.Load() }

func (f *Farm) ReportHealth(index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.health[index]
	h := Health{Healthy: err == nil, Since: time.Now()}
	if err != nil {
		h.Error = err.Error()
	}
	if ok && prev.Healthy == h.Healthy && prev.Error == h.Error {
		return
	}
	f.health[index] = h
	if err != nil {
		log.FarmLog.Warnf("Worker %d unhealthy: %v", index, err)
	} else if ok {
		log.FarmLog.Infof("Worker %d healthy again", index)
	}
}

// Healthy reports whether worker index is healthy and running.
func (f *Farm) Healthy(index int) bool {
	f.mu.Lock()
	h, ok := f.health[index]
	f.mu.Unlock()
	m, err := f.Miner(index)
	return ok && h.Healthy && err == nil && m.State() != core.StateStopped
}

// SetWork hands wp to every worker. A seed that is no known epoch seed is
// rejected before any worker sees it.
func (f *Farm) SetWork(wp core.WorkPackage) error {
	if !wp.Valid() {
		return core.NewError(core.ErrCodeConfig, "work package has no header")
	}
	epoch, err := f.factory.Registry().Algorithm().EpochOf(wp.Seed)
	if err != nil {
		return core.WrapError(core.ErrCodeConfig, "invalid work package", err)
	}
	wp.Epoch = epoch
	if wp.Received.IsZero() {
		wp.Received = time.Now()
	}
	f.mu.Lock()
	f.work = wp
	miners := f.miners
	f.mu.Unlock()
	for _, m := range miners {
		m.SetWork(wp)
	}
	log.FarmLog.Infof("New work %s: header %s epoch %d", wp.JobID, wp.Header.Abridged(), wp.Epoch)
	return nil
}

func (f *Farm) Work() core.WorkPackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.work
}

// Pause asks every worker to pause and waits until each has acknowledged.
func (f *Farm) Pause() {
	miners := f.Miners()
	for _, m := range miners {
		m.Pause()
	}
	for _, m := range miners {
		m.WaitPaused()
	}
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	log.FarmLog.Infof("Paused %d workers", len(miners))
}

func (f *Farm) Resume() {
	for _, m := range f.Miners() {
		m.KickOff()
	}
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	log.FarmLog.Infof("Resumed")
}

// Stop ends every worker and waits for them to release their devices.
func (f *Farm) Stop() {
	if f.stopping.Swap(true) {
		return
	}
	miners := f.Miners()
	for _, m := range miners {
		m.Stop()
	}
	for _, m := range miners {
		<-m.Done()
	}
	log.FarmLog.Infof("Farm %s stopped", f.id)
}

func (f *Farm) Miners() []*worker.Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.miners
}

func (f *Farm) Miner(index int) (*worker.Worker, error) {
	miners := f.Miners()
	if index < 0 || index >= len(miners) {
		return nil, core.NewError(core.ErrCodeConfig, "no such worker", strconv.Itoa(index))
	}
	return miners[index], nil
}

// HwMon reads worker index's sensors.
func (f *Farm) HwMon(ctx context.Context, index int) (core.HwSnapshot, error) {
	m, err := f.Miner(index)
	if err != nil {
		return core.HwSnapshot{}, err
	}
	return m.HwMon(ctx)
}

// Solutions returns the most recent solutions, oldest first.
func (f *Farm) Solutions() []core.Solution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Solution(nil), f.solutions...)
}

// Devices lists the devices the registry sees.
func (f *Farm) Devices() []gpu.Properties {
	return f.factory.Registry().Devices()
}

// MinerStats is one worker's row in Stats.
type MinerStats struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Hashes   uint64  `json:"hashes"`
	Hashrate float64 `json:"hashrate"`
	Health   Health  `json:"health"`
}

// Stats is a point-in-time view of the farm.
type Stats struct {
	ID        string           `json:"id"`
	Method    string           `json:"method"`
	Uptime    string           `json:"uptime"`
	Paused    bool             `json:"paused"`
	Work      core.WorkPackage `json:"work"`
	Hashrate  float64          `json:"hashrate"`
	Solutions int              `json:"solutions"`
	Miners    []MinerStats     `json:"miners"`
}

func (f *Farm) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{
		ID:        f.id.String(),
		Method:    f.factory.Method(),
		Paused:    f.paused,
		Work:      f.work,
		Solutions: len(f.solutions),
	}
	if !f.started.IsZero() {
		s.Uptime = time.Since(f.started).Round(time.Second).String()
	}
	for i, m := range f.miners {
		rate := f.meters[i].Rate()
		s.Hashrate += rate
		s.Miners = append(s.Miners, MinerStats{
			Index:    i,
			Name:     m.Name(),
			State:    m.State().String(),
			Hashes:   m.HashCount(),
			Hashrate: rate,
			Health:   f.health[i],
		})
	}
	return s
}

// BenchmarkWork returns a work package for epoch with a random header and
// a boundary no nonce is expected to meet.
func BenchmarkWork(epoch int) core.WorkPackage {
	var header core.Hash
	a, b := uuid.New(), uuid.New()
	copy(header[:16], a[:])
	copy(header[16:], b[:])
	var boundary core.Hash
	boundary[31] = 1
	return core.WorkPackage{
		JobID:    fmt.Sprintf("benchmark-%d", epoch),
		Header:   header,
		Seed:     ethash.SeedHash(epoch),
		Boundary: boundary,
		Epoch:    epoch,
	}
}
