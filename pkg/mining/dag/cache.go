// Package dag builds and owns a worker's device-resident dataset for one
// epoch.
package dag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/registry"
)

// Synchronizer drains all device work that may still read the dataset.
type Synchronizer interface {
	Synchronize() error
}

// Options is the dataset policy of one worker.
type Options struct {
	// Index is the worker index; in single load mode the worker whose index
	// equals CreateDevice generates and the rest copy.
	Index        int
	LoadMode     registry.LoadMode
	CreateDevice int
	CopyToHost   bool
	GridSize     uint
	BlockSize    uint
}

// OptionsFor derives a worker's dataset policy from the shared configuration.
func OptionsFor(cfg *registry.Config, index int) Options {
	return Options{
		Index:        index,
		LoadMode:     cfg.DAGLoadMode,
		CreateDevice: int(cfg.DAGCreateDevice),
		CopyToHost:   cfg.CopyDAGToHost,
		GridSize:     cfg.GridSize,
		BlockSize:    cfg.BlockSize,
	}
}

// Handle is the device memory holding one epoch's dataset and light cache.
type Handle struct {
	Seed        core.Hash
	Epoch       int
	Dataset     gpu.DevicePtr
	DatasetSize uint64
	Light       gpu.DevicePtr
	LightSize   uint64

	// HostLight is the host copy of the light cache, used for verification.
	HostLight []byte
}

// Cache owns at most one Handle at a time.
type Cache struct {
	dev   gpu.Device
	algo  *ethash.Ethash
	store *HostStore
	drain Synchronizer
	opts  Options

	handle *Handle
}

func New(dev gpu.Device, algo *ethash.Ethash, store *HostStore, drain Synchronizer, opts Options) *Cache {
	return &Cache{dev: dev, algo: algo, store: store, drain: drain, opts: opts}
}

// Current returns the live handle, or nil.
func (c *Cache) Current() *Handle { return c.handle }

// Init makes the dataset for seed resident on the device. The previous
// epoch's allocation is released, after all streams drain, before the new
// one is made. Allocation failures release any partial allocation and are
// returned as resource errors.
func (c *Cache) Init(ctx context.Context, seed core.Hash) (*Handle, error) {
	if c.handle != nil && c.handle.Seed == seed {
		return c.handle, nil
	}
	epoch, err := c.algo.EpochOf(seed)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeResource, "resolve epoch", err)
	}
	if c.opts.LoadMode == registry.LoadSingle && c.opts.CreateDevice < 0 {
		return nil, core.NewError(core.ErrCodeInvalidCreateDevice, "invalid dataset creation device", fmt.Sprint(c.opts.CreateDevice))
	}

	light, err := c.store.Light(seed)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeResource, "light cache", err)
	}

	if err := c.free(); err != nil {
		log.DagLog.Warnf("Device %d: releasing previous dataset: %v", c.dev.Ordinal(), err)
	}

	size := c.algo.DatasetSize(epoch)
	free, err := c.dev.FreeMemory()
	if err != nil {
		return nil, core.WrapError(core.ErrCodeResource, "query device memory", err)
	}
	need := size + uint64(len(light))
	if free < need {
		return nil, core.NewError(core.ErrCodeOutOfMemory, "insufficient device memory for dataset",
			fmt.Sprintf("epoch %d needs %s, %s free", epoch, registry.FormatBytes(need), registry.FormatBytes(free)))
	}

	h := &Handle{Seed: seed, Epoch: epoch, DatasetSize: size, LightSize: uint64(len(light)), HostLight: light}
	if h.Light, err = c.dev.MemAlloc(h.LightSize); err != nil {
		return nil, err
	}
	if err := c.dev.MemcpyHtoD(h.Light, light); err != nil {
		return nil, errors.Join(err, c.release(h))
	}
	if h.Dataset, err = c.dev.MemAlloc(size); err != nil {
		return nil, errors.Join(err, c.release(h))
	}
	if err := c.fill(ctx, h); err != nil {
		return nil, errors.Join(err, c.release(h))
	}
	c.handle = h
	return h, nil
}

func (c *Cache) fill(ctx context.Context, h *Handle) error {
	ordinal := c.dev.Ordinal()
	if data, ok := c.store.Mirror(h.Seed); ok && uint64(len(data)) == h.DatasetSize {
		log.DagLog.Infof("Device %d: copying epoch %d dataset from host", ordinal, h.Epoch)
		return c.dev.MemcpyHtoD(h.Dataset, data)
	}

	switch c.opts.LoadMode {
	case registry.LoadSingle:
		if c.opts.Index != c.opts.CreateDevice {
			log.DagLog.Infof("Device %d: waiting for epoch %d dataset from worker %d", ordinal, h.Epoch, c.opts.CreateDevice)
			data, err := c.store.AwaitMirror(ctx, h.Seed)
			if err != nil {
				return fmt.Errorf("await dataset from worker %d: %w", c.opts.CreateDevice, err)
			}
			return c.dev.MemcpyHtoD(h.Dataset, data)
		}
		if err := c.generate(ctx, h); err != nil {
			c.store.PublishMirror(h.Seed, nil, err)
			return err
		}
		return c.publish(h)
	case registry.LoadSequential:
		c.store.lockGeneration()
		err := c.generate(ctx, h)
		c.store.unlockGeneration()
		if err != nil {
			return err
		}
	default:
		if err := c.generate(ctx, h); err != nil {
			return err
		}
	}

	if c.opts.CopyToHost {
		if !c.store.RoomForMirror(h.DatasetSize) {
			log.DagLog.Warnf("Device %d: not enough host memory to keep a %s dataset copy",
				ordinal, registry.FormatBytes(h.DatasetSize))
			return nil
		}
		return c.publish(h)
	}
	return nil
}

func (c *Cache) generate(ctx context.Context, h *Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	log.DagLog.Infof("Device %d: generating epoch %d dataset (%s)", c.dev.Ordinal(), h.Epoch, registry.FormatBytes(h.DatasetSize))
	if err := c.dev.GenerateDataset(h.Dataset, h.DatasetSize, h.Light, h.LightSize, c.opts.GridSize, c.opts.BlockSize); err != nil {
		return err
	}
	log.DagLog.Infof("Device %d: generated dataset in %v", c.dev.Ordinal(), time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *Cache) publish(h *Handle) error {
	data := make([]byte, h.DatasetSize)
	if err := c.dev.MemcpyDtoH(data, h.Dataset); err != nil {
		c.store.PublishMirror(h.Seed, nil, err)
		return err
	}
	c.store.PublishMirror(h.Seed, data, nil)
	return nil
}

// Release drains device work and frees the live handle.
func (c *Cache) Release() error { return c.free() }

func (c *Cache) free() error {
	if c.handle == nil {
		return nil
	}
	var errs []error
	if c.drain != nil {
		if err := c.drain.Synchronize(); err != nil {
			errs = append(errs, fmt.Errorf("drain streams: %w", err))
		}
	}
	h := c.handle
	c.handle = nil
	errs = append(errs, c.release(h))
	return errors.Join(errs...)
}

func (c *Cache) release(h *Handle) error {
	var errs []error
	if h.Dataset != 0 {
		errs = append(errs, c.dev.MemFree(h.Dataset))
		h.Dataset = 0
	}
	if h.Light != 0 {
		errs = append(errs, c.dev.MemFree(h.Light))
		h.Light = 0
	}
	return errors.Join(errs...)
}
