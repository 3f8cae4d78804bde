package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
)

// Algorithm generates a dataset from a light cache.
type Algorithm interface {
	GenerateDataset(dst, cache []byte) error
}

// Kernel returns the search value of one nonce; values at or below the
// target qualify.
type Kernel func(dataset []byte, header core.Hash, nonce uint64) uint64

// FaultFunc injects failures. op is one of "open", "alloc", "launch",
// "query" or "generate"; a non-nil return fails that operation.
type FaultFunc func(op string, ordinal int) error

// SimDeviceSpec describes one simulated device.
type SimDeviceSpec struct {
	Name            string
	Memory          uint64
	ComputeMajor    int
	ComputeMinor    int
	Multiprocessors int
}

// SimOptions configures a SimRuntime.
type SimOptions struct {
	Devices       []SimDeviceSpec
	Algorithm     Algorithm
	Kernel        Kernel
	LaunchLatency time.Duration
	Faults        FaultFunc
}

// DefaultSimOptions returns two 4 GiB devices running the test-mode ethash
// kernel.
func DefaultSimOptions() SimOptions {
	spec := SimDeviceSpec{Name: "Simulated GPU", Memory: 4 << 30, ComputeMajor: 8, ComputeMinor: 6, Multiprocessors: 68}
	return SimOptions{Devices: []SimDeviceSpec{spec, spec}}
}

var errInvalidPtr = errors.New("invalid device pointer")

// SimRuntime is an in-process device runtime. Memory is accounted against
// each device's budget, launches run on goroutines, and every allocation,
// free and stale pointer access is counted so tests can audit resource
// handling.
type SimRuntime struct {
	opts    SimOptions
	devices []*SimDevice
}

func NewSimRuntime(opts SimOptions) *SimRuntime {
	if opts.Algorithm == nil {
		opts.Algorithm = ethash.New(ethash.ModeTest)
	}
	if opts.Kernel == nil {
		opts.Kernel = ethash.Evaluate
	}
	rt := &SimRuntime{opts: opts}
	for i, spec := range opts.Devices {
		rt.devices = append(rt.devices, &SimDevice{
			rt:      rt,
			ordinal: i,
			spec:    spec,
			next:    0x10000,
			regions: make(map[DevicePtr]*region),
		})
	}
	return rt
}

func (r *SimRuntime) Name() string { return "sim" }

func (r *SimRuntime) DeviceCount() (int, error) { return len(r.devices), nil }

func (r *SimRuntime) DeviceProperties(ordinal int) (Properties, error) {
	d, err := r.device(ordinal)
	if err != nil {
		return Properties{}, err
	}
	return d.Properties(), nil
}

func (r *SimRuntime) Open(ordinal int, schedule ScheduleFlag) (Device, error) {
	d, err := r.device(ordinal)
	if err != nil {
		return nil, err
	}
	if err := r.fault("open", ordinal); err != nil {
		return nil, core.WrapError(core.ErrCodeResource, "open device", err)
	}
	d.mu.Lock()
	d.opens++
	d.stats.Opens++
	d.schedule = schedule
	d.mu.Unlock()
	return d, nil
}

// Device exposes a simulated device for inspection.
func (r *SimRuntime) Device(ordinal int) *SimDevice {
	if ordinal < 0 || ordinal >= len(r.devices) {
		return nil
	}
	return r.devices[ordinal]
}

func (r *SimRuntime) device(ordinal int) (*SimDevice, error) {
	if ordinal < 0 || ordinal >= len(r.devices) {
		return nil, core.NewError(core.ErrCodeConfig, "invalid device ordinal", fmt.Sprint(ordinal))
	}
	return r.devices[ordinal], nil
}

func (r *SimRuntime) fault(op string, ordinal int) error {
	if r.opts.Faults == nil {
		return nil
	}
	return r.opts.Faults(op, ordinal)
}

// MemStats is the resource audit of one simulated device.
type MemStats struct {
	Opens          int
	Closes         int
	Allocs         int
	Frees          int
	BytesInUse     uint64
	StaleAccesses  int
	FreedInFlight  int
	InvalidFrees   int
	Launches       int
	Generations    int
	Streams        int
	ResultBuffers  int
	HashesComputed uint64
}

// Live is the number of allocations not yet freed.
func (s MemStats) Live() int { return s.Allocs - s.Frees }

type region struct {
	size     uint64
	data     []byte
	inflight int
}

func (r *region) bytes() []byte {
	if r.data == nil {
		r.data = make([]byte, r.size)
	}
	return r.data
}

// SimDevice is one simulated device. It implements Device.
type SimDevice struct {
	rt      *SimRuntime
	ordinal int
	spec    SimDeviceSpec

	mu       sync.Mutex
	schedule ScheduleFlag
	opens    int
	next     DevicePtr
	regions  map[DevicePtr]*region
	used     uint64
	stats    MemStats
	busy     int
	lastRun  time.Time

	hashes atomic.Uint64
}

func (d *SimDevice) Ordinal() int { return d.ordinal }

func (d *SimDevice) Properties() Properties {
	return Properties{
		Ordinal:         d.ordinal,
		Name:            d.spec.Name,
		TotalMemory:     d.spec.Memory,
		ComputeMajor:    d.spec.ComputeMajor,
		ComputeMinor:    d.spec.ComputeMinor,
		Multiprocessors: d.spec.Multiprocessors,
		ClockMHz:        1700,
		PCIBusID:        d.ordinal + 1,
	}
}

// Stats returns a copy of the device's resource audit.
func (d *SimDevice) Stats() MemStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.BytesInUse = d.used
	s.HashesComputed = d.hashes.Load()
	return s
}

// Activity reports the number of running launches and when the last one ended.
func (d *SimDevice) Activity() (running int, last time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy, d.lastRun
}

func (d *SimDevice) FreeMemory() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec.Memory - d.used, nil
}

func (d *SimDevice) MemAlloc(size uint64) (DevicePtr, error) {
	if err := d.rt.fault("alloc", d.ordinal); err != nil {
		return 0, core.WrapError(core.ErrCodeResource, "device allocation", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if size == 0 || d.used+size > d.spec.Memory {
		return 0, core.NewError(core.ErrCodeOutOfMemory, "insufficient device memory",
			fmt.Sprintf("device %d requested %d bytes, %d free", d.ordinal, size, d.spec.Memory-d.used))
	}
	p := d.next
	d.next += DevicePtr((size + 0xfff) &^ 0xfff)
	d.regions[p] = &region{size: size}
	d.used += size
	d.stats.Allocs++
	return p, nil
}

func (d *SimDevice) MemFree(p DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regions[p]
	if !ok {
		d.stats.InvalidFrees++
		return core.WrapError(core.ErrCodeResource, "device free", errInvalidPtr)
	}
	if r.inflight > 0 {
		d.stats.FreedInFlight++
	}
	delete(d.regions, p)
	d.used -= r.size
	d.stats.Frees++
	return nil
}

func (d *SimDevice) MemcpyHtoD(dst DevicePtr, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regions[dst]
	if !ok {
		d.stats.StaleAccesses++
		return core.WrapError(core.ErrCodeResource, "host to device copy", errInvalidPtr)
	}
	if uint64(len(src)) > r.size {
		return core.NewError(core.ErrCodeResource, "host to device copy overflows allocation")
	}
	copy(r.bytes(), src)
	return nil
}

func (d *SimDevice) MemcpyDtoH(dst []byte, src DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regions[src]
	if !ok {
		d.stats.StaleAccesses++
		return core.WrapError(core.ErrCodeResource, "device to host copy", errInvalidPtr)
	}
	copy(dst, r.bytes())
	return nil
}

func (d *SimDevice) GenerateDataset(dataset DevicePtr, datasetSize uint64, light DevicePtr, lightSize uint64, gridSize, blockSize uint) error {
	if err := d.rt.fault("generate", d.ordinal); err != nil {
		return core.WrapError(core.ErrCodeResource, "dataset generation", err)
	}
	dr, dst, err := d.acquire(dataset)
	if err != nil {
		return core.WrapError(core.ErrCodeResource, "dataset generation", err)
	}
	defer d.release(dr)
	lr, src, err := d.acquire(light)
	if err != nil {
		return core.WrapError(core.ErrCodeResource, "dataset generation", err)
	}
	defer d.release(lr)

	if uint64(len(dst)) < datasetSize || uint64(len(src)) < lightSize {
		return core.NewError(core.ErrCodeResource, "dataset generation sizes exceed allocations")
	}
	if err := d.rt.opts.Algorithm.GenerateDataset(dst[:datasetSize], src[:lightSize]); err != nil {
		return core.WrapError(core.ErrCodeResource, "dataset generation", err)
	}
	d.mu.Lock()
	d.stats.Generations++
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	d.stats.Streams++
	d.mu.Unlock()
	return &simStream{dev: d}, nil
}

func (d *SimDevice) AllocResults() (*SearchResults, error) {
	d.mu.Lock()
	d.stats.ResultBuffers++
	d.mu.Unlock()
	return new(SearchResults), nil
}

func (d *SimDevice) FreeResults(r *SearchResults) error {
	if r == nil {
		return nil
	}
	d.mu.Lock()
	d.stats.ResultBuffers--
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opens == 0 {
		return nil
	}
	d.opens--
	d.stats.Closes++
	return nil
}

// acquire pins a region for the duration of a device operation. Access to a
// freed or unknown pointer is counted as stale.
func (d *SimDevice) acquire(p DevicePtr) (*region, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regions[p]
	if !ok {
		d.stats.StaleAccesses++
		return nil, nil, errInvalidPtr
	}
	r.inflight++
	return r, r.bytes(), nil
}

func (d *SimDevice) release(r *region) {
	d.mu.Lock()
	r.inflight--
	d.mu.Unlock()
}

func (d *SimDevice) run(p KernelParams) error {
	if p.Results == nil {
		return core.NewError(core.ErrCodeTransient, "kernel launched without result buffer")
	}
	r, data, err := d.acquire(p.Dataset)
	if err != nil {
		return core.WrapError(core.ErrCodeTransient, "kernel launch", err)
	}
	d.mu.Lock()
	d.busy++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy--
		d.lastRun = time.Now()
		d.mu.Unlock()
		d.release(r)
	}()

	if p.DatasetSize > 0 && p.DatasetSize < uint64(len(data)) {
		data = data[:p.DatasetSize]
	}
	if d.rt.opts.LaunchLatency > 0 {
		time.Sleep(d.rt.opts.LaunchLatency)
	}
	kernel := d.rt.opts.Kernel
	for i := uint64(0); i < p.Width; i++ {
		nonce := p.StartNonce + i
		if kernel(data, p.Header, nonce) <= p.Target {
			c := p.Results.Count
			if c < MaxSearchResults {
				p.Results.Nonces[c] = nonce
			}
			p.Results.Count = c + 1
		}
	}
	d.hashes.Add(p.Width)
	return nil
}

type simStream struct {
	dev *SimDevice

	mu        sync.Mutex
	done      chan struct{}
	err       error
	destroyed bool
}

func (s *simStream) Launch(p KernelParams) error {
	if err := s.dev.rt.fault("launch", s.dev.ordinal); err != nil {
		return core.WrapError(core.ErrCodeTransient, "kernel launch", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return core.NewError(core.ErrCodeTransient, "launch on destroyed stream")
	}
	prev := s.done
	done := make(chan struct{})
	s.done = done

	s.dev.mu.Lock()
	s.dev.stats.Launches++
	s.dev.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		err := s.dev.run(p)
		s.mu.Lock()
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

func (s *simStream) Query() (bool, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			return false, nil
		}
	}
	if err := s.dev.rt.fault("query", s.dev.ordinal); err != nil {
		return true, core.WrapError(core.ErrCodeTransient, "stream query", err)
	}
	return true, s.takeErr()
}

func (s *simStream) Synchronize() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return s.takeErr()
}

func (s *simStream) Destroy() error {
	err := s.Synchronize()
	s.mu.Lock()
	if !s.destroyed {
		s.destroyed = true
		s.dev.mu.Lock()
		s.dev.stats.Streams--
		s.dev.mu.Unlock()
	}
	s.mu.Unlock()
	return err
}

func (s *simStream) takeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}
