package hardware

import (
	"context"
	"fmt"
	"time"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
)

// SimMonitor derives readings from a simulated device's activity: idle
// devices cool down, busy ones heat up.
type SimMonitor struct {
	Runtime *gpu.SimRuntime
}

func (SimMonitor) Name() string { return "sim" }

func (m SimMonitor) Snapshot(_ context.Context, ordinal int) (core.HwSnapshot, error) {
	dev := m.Runtime.Device(ordinal)
	if dev == nil {
		return core.HwSnapshot{}, fmt.Errorf("sim: no device %d", ordinal)
	}
	running, last := dev.Activity()
	load := 0.0
	switch {
	case running > 0:
		load = 1
	case !last.IsZero():
		idle := time.Since(last).Seconds()
		if idle < 10 {
			load = 1 - idle/10
		}
	}
	return core.HwSnapshot{
		Device:       ordinal,
		TemperatureC: 35 + int(40*load),
		FanPercent:   30 + int(50*load),
		PowerW:       25 + 175*load,
		Source:       m.Name(),
		Taken:        time.Now(),
	}, nil
}
