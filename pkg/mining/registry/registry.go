// Package registry holds the process-wide GPU configuration: device
// enumeration, launch tunables and dataset load policy. Configuration is set
// before any worker is constructed and then shared read-only.
package registry

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/gpu"
)

// MaxDevices is the number of device slots the registry can address.
const MaxDevices = 16

// MaxStreams bounds the per-worker stream count.
const MaxStreams = 16

// LoadMode selects how workers build their datasets.
type LoadMode uint

const (
	// LoadParallel generates on every device at once.
	LoadParallel LoadMode = 0
	// LoadSequential generates on one device at a time.
	LoadSequential LoadMode = 1
	// LoadSingle generates on one device and copies to the rest.
	LoadSingle LoadMode = 2
)

func (m LoadMode) String() string {
	switch m {
	case LoadParallel:
		return "parallel"
	case LoadSequential:
		return "sequential"
	case LoadSingle:
		return "single"
	}
	return fmt.Sprintf("loadmode(%d)", uint(m))
}

// ParseLoadMode accepts a name or the numeric value.
func ParseLoadMode(s string) (LoadMode, error) {
	switch s {
	case "", "parallel", "0":
		return LoadParallel, nil
	case "sequential", "1":
		return LoadSequential, nil
	case "single", "2":
		return LoadSingle, nil
	}
	return LoadParallel, core.NewError(core.ErrCodeConfig, "unknown dataset load mode", s)
}

// Options are the tunables accepted by Configure.
type Options struct {
	BlockSize       uint             `json:"block_size" yaml:"block_size"`
	GridSize        uint             `json:"grid_size" yaml:"grid_size"`
	NumStreams      uint             `json:"num_streams" yaml:"num_streams"`
	Schedule        gpu.ScheduleFlag `json:"schedule" yaml:"schedule"`
	CurrentBlock    uint64           `json:"current_block" yaml:"current_block"`
	DAGLoadMode     LoadMode         `json:"dag_load_mode" yaml:"dag_load_mode"`
	DAGCreateDevice uint             `json:"dag_create_device" yaml:"dag_create_device"`
	CopyDAGToHost   bool             `json:"copy_dag_to_host" yaml:"copy_dag_to_host"`
	ParallelHash    uint             `json:"parallel_hash" yaml:"parallel_hash"`
	Devices         []int            `json:"devices,omitempty" yaml:"devices,omitempty"`
	NumInstances    uint             `json:"num_instances" yaml:"num_instances"`
}

// DefaultOptions returns the stock launch geometry: 128 threads per block,
// 8192 threads per launch, two streams.
func DefaultOptions() Options {
	return Options{
		BlockSize:    128,
		GridSize:     8192,
		NumStreams:   2,
		Schedule:     gpu.ScheduleAuto,
		DAGLoadMode:  LoadParallel,
		ParallelHash: 1,
	}
}

// Config is a validated, immutable configuration. Workers keep a pointer
// to the Config current at their construction.
type Config struct {
	Options

	// Epoch and DatasetSize follow from CurrentBlock.
	Epoch       int
	DatasetSize uint64

	// ActiveDevices lists the device ordinals workers are bound to.
	ActiveDevices []int
}

// BatchWidth is the number of nonces one stream launch covers.
func (c *Config) BatchWidth() uint64 {
	return uint64(c.GridSize) * uint64(c.ParallelHash)
}

// Blocks is the number of thread blocks per launch.
func (c *Config) Blocks() uint { return c.GridSize / c.BlockSize }

// Instances is the number of workers to construct.
func (c *Config) Instances() int { return len(c.ActiveDevices) }

// DeviceFor maps a worker index to its device ordinal.
func (c *Config) DeviceFor(index int) int {
	if len(c.ActiveDevices) == 0 {
		return index
	}
	return c.ActiveDevices[index%len(c.ActiveDevices)]
}

// Registry is the process-wide device configuration.
type Registry struct {
	rt   gpu.Runtime
	algo *ethash.Ethash

	mu           sync.Mutex
	opts         Options
	cfg          *Config
	locked       bool
	numInstances uint
}

func New(rt gpu.Runtime, algo *ethash.Ethash) *Registry {
	return &Registry{rt: rt, algo: algo, opts: DefaultOptions()}
}

func (r *Registry) Runtime() gpu.Runtime { return r.rt }

func (r *Registry) Algorithm() *ethash.Ethash { return r.algo }

// NumDevices returns the number of devices the runtime reports, or 0 when
// the runtime is unavailable.
func (r *Registry) NumDevices() int {
	if r.rt == nil {
		return 0
	}
	n, err := r.rt.DeviceCount()
	if err != nil {
		return 0
	}
	return n
}

// Devices returns the properties of every device that could be queried.
func (r *Registry) Devices() []gpu.Properties {
	var out []gpu.Properties
	for i := 0; i < r.NumDevices(); i++ {
		p, err := r.rt.DeviceProperties(i)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// ListDevices prints a table of devices and their capabilities.
func (r *Registry) ListDevices(w io.Writer) {
	devices := r.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(w, "No GPU devices found")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("#", "NAME", "COMPUTE", "MEMORY", "SMS", "CLOCK", "PCI")
	for _, d := range devices {
		t.Row(
			strconv.Itoa(d.Ordinal),
			d.Name,
			d.ComputeCapability(),
			FormatBytes(d.TotalMemory),
			strconv.Itoa(d.Multiprocessors),
			fmt.Sprintf("%d MHz", d.ClockMHz),
			fmt.Sprintf("%02x", d.PCIBusID),
		)
	}
	fmt.Fprintf(w, "%s devices (%s)\n%s\n", strconv.Itoa(len(devices)), r.rt.Name(), t.Render())
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Configure validates and stores the launch tunables and dataset policy.
// It fails once a worker has been constructed.
func (r *Registry) Configure(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return core.ErrConfigLocked
	}
	if opts.NumInstances == 0 {
		opts.NumInstances = r.numInstances
	}
	if opts.Devices == nil {
		opts.Devices = r.opts.Devices
	}
	if opts.ParallelHash == 0 {
		opts.ParallelHash = r.opts.ParallelHash
	}
	cfg, err := r.validate(opts)
	if err != nil {
		return err
	}
	r.opts = opts
	r.cfg = cfg
	return nil
}

// SetDevices selects the device ordinals workers are bound to.
func (r *Registry) SetDevices(ids []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return core.ErrConfigLocked
	}
	if err := r.checkDevices(ids); err != nil {
		return err
	}
	r.opts.Devices = slices.Clone(ids)
	r.cfg = nil
	return nil
}

// SetNumInstances caps the number of workers at n. Zero means one per
// selected device.
func (r *Registry) SetNumInstances(n uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return core.ErrConfigLocked
	}
	r.numInstances = n
	r.opts.NumInstances = n
	r.cfg = nil
	return nil
}

// SetParallelHash sets the hashes each thread computes per launch.
func (r *Registry) SetParallelHash(k uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return core.ErrConfigLocked
	}
	if !validParallelHash(k) {
		return core.NewError(core.ErrCodeConfig, "parallel hash must be 1, 2, 4 or 8", strconv.Itoa(int(k)))
	}
	r.opts.ParallelHash = k
	r.cfg = nil
	return nil
}

// Instances returns the number of workers the current configuration yields.
func (r *Registry) Instances() int {
	cfg, err := r.Config()
	if err != nil {
		return 0
	}
	return cfg.Instances()
}

// Config returns the current configuration, validating the stored options
// when a setter changed them.
func (r *Registry) Config() (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg == nil {
		cfg, err := r.validate(r.opts)
		if err != nil {
			return nil, err
		}
		r.cfg = cfg
	}
	return r.cfg, nil
}

// Acquire returns the configuration for a new worker and locks it against
// further changes. It fails without touching any device when none exist.
func (r *Registry) Acquire() (*Config, error) {
	if r.NumDevices() == 0 {
		return nil, core.ErrNoDevices
	}
	cfg, err := r.Config()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.locked = true
	r.mu.Unlock()
	return cfg, nil
}

// Locked reports whether a worker has been constructed.
func (r *Registry) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

func validParallelHash(k uint) bool {
	return k == 1 || k == 2 || k == 4 || k == 8
}

func (r *Registry) checkDevices(ids []int) error {
	if len(ids) > MaxDevices {
		return core.NewError(core.ErrCodeConfig, "too many devices selected", strconv.Itoa(len(ids)))
	}
	n := r.NumDevices()
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < 0 || id >= n {
			return core.NewError(core.ErrCodeConfig, "device does not exist", fmt.Sprintf("%d of %d", id, n))
		}
		if seen[id] {
			return core.NewError(core.ErrCodeConfig, "device selected twice", strconv.Itoa(id))
		}
		seen[id] = true
	}
	return nil
}

func (r *Registry) validate(o Options) (*Config, error) {
	n := r.NumDevices()
	if n == 0 {
		return nil, core.ErrNoDevices
	}
	invalid := func(msg string, v any) error {
		return core.NewError(core.ErrCodeConfig, msg, fmt.Sprint(v))
	}
	switch {
	case o.BlockSize < 32 || o.BlockSize > 1024 || o.BlockSize%32 != 0:
		return nil, invalid("block size must be a multiple of 32 between 32 and 1024", o.BlockSize)
	case o.GridSize < o.BlockSize || o.GridSize%o.BlockSize != 0:
		return nil, invalid("grid size must be a positive multiple of the block size", o.GridSize)
	case o.NumStreams < 1 || o.NumStreams > MaxStreams:
		return nil, invalid("stream count out of range", o.NumStreams)
	case !o.Schedule.Valid():
		return nil, invalid("unknown schedule flag", uint(o.Schedule))
	case !validParallelHash(o.ParallelHash):
		return nil, invalid("parallel hash must be 1, 2, 4 or 8", o.ParallelHash)
	case o.DAGLoadMode > LoadSingle:
		return nil, invalid("unknown dataset load mode", uint(o.DAGLoadMode))
	}
	if err := r.checkDevices(o.Devices); err != nil {
		return nil, err
	}

	active := slices.Clone(o.Devices)
	if len(active) == 0 {
		for i := 0; i < n && i < MaxDevices; i++ {
			active = append(active, i)
		}
	}
	if o.NumInstances > 0 && int(o.NumInstances) < len(active) {
		active = active[:o.NumInstances]
	}
	if o.DAGLoadMode == LoadSingle && int(o.DAGCreateDevice) >= len(active) {
		return nil, core.NewError(core.ErrCodeInvalidCreateDevice, "dataset creation device is not an active device",
			fmt.Sprintf("%d of %d", o.DAGCreateDevice, len(active)))
	}

	epoch := ethash.EpochOfBlock(o.CurrentBlock)
	size := r.algo.DatasetSize(epoch)
	for _, id := range active {
		p, err := r.rt.DeviceProperties(id)
		if err != nil {
			return nil, core.WrapError(core.ErrCodeConfig, "query device", err)
		}
		if p.TotalMemory < size {
			return nil, core.NewError(core.ErrCodeConfig, "device has insufficient memory for the dataset",
				fmt.Sprintf("device %d has %s, epoch %d needs %s", id, FormatBytes(p.TotalMemory), epoch, FormatBytes(size)))
		}
	}

	return &Config{
		Options:       o,
		Epoch:         epoch,
		DatasetSize:   size,
		ActiveDevices: active,
	}, nil
}
