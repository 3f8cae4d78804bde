package registry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/gpu"
)

func newRegistry(devices int, memory uint64) *Registry {
	opts := gpu.SimOptions{}
	for i := 0; i < devices; i++ {
		opts.Devices = append(opts.Devices, gpu.SimDeviceSpec{Name: "sim", Memory: memory, ComputeMajor: 7, ComputeMinor: 5})
	}
	return New(gpu.NewSimRuntime(opts), ethash.New(ethash.ModeTest))
}

func TestDefaultsValidate(t *testing.T) {
	r := newRegistry(2, 1<<30)
	require.NoError(t, r.Configure(DefaultOptions()))

	cfg, err := r.Config()
	require.NoError(t, err)
	assert.Equal(t, uint(128), cfg.BlockSize)
	assert.Equal(t, uint(8192), cfg.GridSize)
	assert.Equal(t, uint(2), cfg.NumStreams)
	assert.Equal(t, uint64(8192), cfg.BatchWidth())
	assert.Equal(t, uint(64), cfg.Blocks())
	assert.Equal(t, 2, cfg.Instances())
}

func TestConfigureRejectsInvalidTunables(t *testing.T) {
	cases := map[string]func(*Options){
		"block not warp multiple": func(o *Options) { o.BlockSize = 100 },
		"block too large":         func(o *Options) { o.BlockSize = 2048 },
		"grid not block multiple": func(o *Options) { o.GridSize = 1000 },
		"grid smaller than block": func(o *Options) { o.GridSize = 64 },
		"no streams":              func(o *Options) { o.NumStreams = 0 },
		"too many streams":        func(o *Options) { o.NumStreams = 17 },
		"bad schedule":            func(o *Options) { o.Schedule = 3 },
		"bad parallel hash":       func(o *Options) { o.ParallelHash = 3 },
		"bad load mode":           func(o *Options) { o.DAGLoadMode = 7 },
		"missing device":          func(o *Options) { o.Devices = []int{5} },
		"duplicate device":        func(o *Options) { o.Devices = []int{0, 0} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRegistry(2, 1<<30)
			o := DefaultOptions()
			mutate(&o)
			err := r.Configure(o)
			require.Error(t, err)
			assert.True(t, core.IsConfigError(err), err.Error())
		})
	}
}

func TestConfigureSingleLoadModeCreateDevice(t *testing.T) {
	r := newRegistry(2, 1<<30)
	o := DefaultOptions()
	o.DAGLoadMode = LoadSingle
	o.DAGCreateDevice = 2
	assert.ErrorIs(t, r.Configure(o), core.ErrInvalidCreateDevice)

	o.DAGCreateDevice = 1
	assert.NoError(t, r.Configure(o))
}

func TestConfigureInsufficientMemory(t *testing.T) {
	r := New(gpu.NewSimRuntime(gpu.SimOptions{Devices: []gpu.SimDeviceSpec{{Memory: 1 << 20}}}), ethash.New(ethash.ModeNormal))
	err := r.Configure(DefaultOptions())
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
}

func TestNoDevices(t *testing.T) {
	r := newRegistry(0, 0)
	assert.Equal(t, 0, r.NumDevices())
	assert.ErrorIs(t, r.Configure(DefaultOptions()), core.ErrNoDevices)

	_, err := r.Acquire()
	assert.ErrorIs(t, err, core.ErrNoDevices)
}

func TestAcquireLocksConfiguration(t *testing.T) {
	r := newRegistry(1, 1<<30)
	cfg, err := r.Acquire()
	require.NoError(t, err)
	assert.True(t, r.Locked())

	assert.ErrorIs(t, r.Configure(DefaultOptions()), core.ErrConfigLocked)
	assert.ErrorIs(t, r.SetParallelHash(2), core.ErrConfigLocked)

	again, err := r.Config()
	require.NoError(t, err)
	assert.Same(t, cfg, again)
}

func TestInstancesAndDeviceMapping(t *testing.T) {
	r := newRegistry(4, 1<<30)
	require.NoError(t, r.SetDevices([]int{3, 1}))
	assert.Equal(t, 2, r.Instances())

	cfg, err := r.Config()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.DeviceFor(0))
	assert.Equal(t, 1, cfg.DeviceFor(1))

	require.NoError(t, r.SetNumInstances(1))
	assert.Equal(t, 1, r.Instances())

	assert.Error(t, r.SetDevices([]int{9}))
}

func TestSetParallelHash(t *testing.T) {
	r := newRegistry(1, 1<<30)
	require.NoError(t, r.SetParallelHash(4))
	cfg, err := r.Config()
	require.NoError(t, err)
	assert.Equal(t, uint64(8192*4), cfg.BatchWidth())
	assert.Error(t, r.SetParallelHash(5))
}

func TestListDevices(t *testing.T) {
	r := newRegistry(2, 8<<30)
	var buf bytes.Buffer
	r.ListDevices(&buf)
	out := buf.String()
	assert.Contains(t, out, "2 devices (sim)")
	assert.Contains(t, out, "7.5")
	assert.Contains(t, out, "8.00 GiB")

	buf.Reset()
	newRegistry(0, 0).ListDevices(&buf)
	assert.Contains(t, buf.String(), "No GPU devices found")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KiB", FormatBytes(1024))
	assert.Equal(t, "1.50 MiB", FormatBytes(3<<19))
}
