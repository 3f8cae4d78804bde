// Package cuda is the GPU backend of a worker: one device context, its
// streams, the epoch dataset and the search engine driving them.
package cuda

import (
	"context"
	"errors"
	"fmt"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/dag"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/hardware"
	"gpuminer/pkg/mining/registry"
	"gpuminer/pkg/mining/search"
	"gpuminer/pkg/mining/worker"
)

// Backend binds one worker index to one device. Device resources are
// created lazily on the first Init, on the worker goroutine.
type Backend struct {
	index   int
	ordinal int
	cfg     *registry.Config
	rt      gpu.Runtime
	algo    *ethash.Ethash
	store   *dag.HostStore
	monitor hardware.Monitor

	dev     gpu.Device
	streams *search.StreamSet
	engine  *search.Engine
	cache   *dag.Cache
}

var _ worker.Backend = (*Backend)(nil)

// New returns the backend for worker index under cfg.
func New(index int, cfg *registry.Config, rt gpu.Runtime, algo *ethash.Ethash, store *dag.HostStore, monitor hardware.Monitor) *Backend {
	if monitor == nil {
		monitor = hardware.ForRuntime(rt)
	}
	return &Backend{
		index:   index,
		ordinal: cfg.DeviceFor(index),
		cfg:     cfg,
		rt:      rt,
		algo:    algo,
		store:   store,
		monitor: monitor,
	}
}

// NewMiner constructs worker index on the registry's configuration, locking
// it. Nothing is allocated on a device until the worker initializes.
func NewMiner(index int, reg *registry.Registry, farm core.Farm, store *dag.HostStore, monitor hardware.Monitor, opts worker.Options) (*worker.Worker, error) {
	cfg, err := reg.Acquire()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= cfg.Instances() {
		return nil, core.NewError(core.ErrCodeConfig, "worker index out of range", fmt.Sprintf("%d of %d", index, cfg.Instances()))
	}
	if store == nil {
		store = dag.NewHostStore(reg.Algorithm(), 0)
	}
	b := New(index, cfg, reg.Runtime(), reg.Algorithm(), store, monitor)
	return worker.New(index, b, farm, opts), nil
}

func (b *Backend) Name() string { return "cuda" }

// Ordinal is the device this backend is bound to.
func (b *Backend) Ordinal() int { return b.ordinal }

func (b *Backend) Init(ctx context.Context, w core.WorkPackage) error {
	if b.dev == nil {
		if err := b.open(); err != nil {
			return err
		}
	}
	h, err := b.cache.Init(ctx, w.Seed)
	if err != nil {
		return err
	}
	log.CudaLog.Infof("Device %d: epoch %d ready, dataset %s, batch %d x %d streams",
		b.ordinal, h.Epoch, registry.FormatBytes(h.DatasetSize), b.engine.Width(), b.streams.Len())
	return nil
}

func (b *Backend) open() error {
	dev, err := b.rt.Open(b.ordinal, b.cfg.Schedule)
	if err != nil {
		return core.WrapError(core.ErrCodeResource, fmt.Sprintf("open device %d", b.ordinal), err)
	}
	p := dev.Properties()
	log.CudaLog.Infof("Device %d: %s (compute %s, %s, schedule %s)",
		b.ordinal, p.Name, p.ComputeCapability(), registry.FormatBytes(p.TotalMemory), b.cfg.Schedule)

	streams, err := search.NewStreamSet(dev, int(b.cfg.NumStreams))
	if err != nil {
		return core.WrapError(core.ErrCodeResource, "create streams", errors.Join(err, dev.Close()))
	}
	b.dev = dev
	b.streams = streams
	b.engine = search.NewEngine(streams, search.ConfigFor(b.cfg))
	b.cache = dag.New(dev, b.algo, b.store, streams, dag.OptionsFor(b.cfg, b.index))
	return nil
}

// Search scans w from startNonce to the end of this device's segment.
func (b *Backend) Search(w core.WorkPackage, startNonce uint64, hooks core.SearchHooks) (search.Result, error) {
	if b.cache == nil || b.cache.Current() == nil {
		return search.Result{NextNonce: startNonce}, core.ErrNotInitialized
	}
	h := b.cache.Current()
	req := search.Request{
		Work:        w,
		Header:      w.Header,
		Target:      w.Target(),
		StartNonce:  startNonce,
		EndNonce:    w.DeviceEndNonce(b.index),
		Dataset:     h.Dataset,
		DatasetSize: h.DatasetSize,
	}
	if w.Segmented() {
		light, size := h.HostLight, h.DatasetSize
		req.Verify = func(nonce uint64) bool {
			ok := ethash.Verify(light, size, w.Header, nonce, w.Boundary)
			if !ok {
				log.CudaLog.Debugf("Device %d: nonce %#016x rejected by full boundary check", b.ordinal, nonce)
			}
			return ok
		}
	}
	return b.engine.Search(req, hooks)
}

func (b *Backend) HwMon(ctx context.Context) (core.HwSnapshot, error) {
	return b.monitor.Snapshot(ctx, b.ordinal)
}

// Release drains the streams, frees the dataset and closes the device.
func (b *Backend) Release() error {
	if b.dev == nil {
		return nil
	}
	var errs []error
	if err := b.cache.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release dataset: %w", err))
	}
	if err := b.streams.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release streams: %w", err))
	}
	if err := b.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	b.dev, b.streams, b.engine, b.cache = nil, nil, nil, nil
	log.CudaLog.Debugf("Device %d: released", b.ordinal)
	return errors.Join(errs...)
}
