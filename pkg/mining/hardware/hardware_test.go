package hardware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
)

func TestNvidiaSMIParsesReading(t *testing.T) {
	var gotArgs []string
	m := NvidiaSMI{Run: func(_ context.Context, name string, args ...string) (string, error) {
		gotArgs = append([]string{name}, args...)
		return "1, 64, [N/A], 187.35\n", nil
	}}
	snap, err := m.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Device)
	assert.Equal(t, 64, snap.TemperatureC)
	assert.Equal(t, 0, snap.FanPercent)
	assert.InDelta(t, 187.35, snap.PowerW, 0.001)
	assert.Equal(t, "nvidia-smi", snap.Source)
	assert.Contains(t, strings.Join(gotArgs, " "), "-i 1")
}

func TestNvidiaSMIMissingDevice(t *testing.T) {
	m := NvidiaSMI{Run: func(context.Context, string, ...string) (string, error) { return "0, 50, 40, 90\n", nil }}
	_, err := m.Snapshot(context.Background(), 3)
	assert.Error(t, err)
}

func TestSensorsSelectsGPUKeys(t *testing.T) {
	s := Sensors{Read: func(context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "coretemp_package_id_0", Temperature: 48},
			{SensorKey: "amdgpu_edge", Temperature: 61},
			{SensorKey: "nouveau_temp1", Temperature: 70},
		}, nil
	}}
	snap, err := s.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 70, snap.TemperatureC)

	_, err = s.Snapshot(context.Background(), 2)
	assert.Error(t, err)
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) Snapshot(context.Context, int) (core.HwSnapshot, error) {
	return core.HwSnapshot{}, errors.New("unavailable")
}

func TestChainFallsBack(t *testing.T) {
	rt := gpu.NewSimRuntime(gpu.SimOptions{Devices: []gpu.SimDeviceSpec{{Memory: 1 << 20}}})
	c := Chain{failing{}, SimMonitor{Runtime: rt}}
	snap, err := c.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "sim", snap.Source)
	assert.Equal(t, 35, snap.TemperatureC)
	assert.Equal(t, "failing,sim", c.Name())

	_, err = Chain{failing{}}.Snapshot(context.Background(), 0)
	assert.Error(t, err)
	_, err = Chain{}.Snapshot(context.Background(), 0)
	assert.Error(t, err)
}

func TestSimMonitorUnknownDevice(t *testing.T) {
	rt := gpu.NewSimRuntime(gpu.SimOptions{})
	_, err := SimMonitor{Runtime: rt}.Snapshot(context.Background(), 0)
	assert.Error(t, err)
}

func TestDetectionSummary(t *testing.T) {
	rt := gpu.NewSimRuntime(gpu.DefaultSimOptions())
	d := Detect(context.Background(), rt)
	assert.Len(t, d.Devices, 2)
	out := d.Summary()
	assert.Contains(t, out, "Runtime        sim")
	assert.Contains(t, out, "Simulated GPU")
}
