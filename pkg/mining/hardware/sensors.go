package hardware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"gpuminer/pkg/mining/core"
)

// gpuSensorKeys are substrings of sensor keys that belong to graphics
// devices.
var gpuSensorKeys = []string{"amdgpu", "nouveau", "nvidia", "radeon", "gpu"}

// Sensors reads GPU temperatures from the host's hardware sensors. The
// ordinal selects among the matching sensors in the order they are
// reported. Fan speed and power are not available.
type Sensors struct {
	// Keys overrides the sensor key filter.
	Keys []string
	Read func(ctx context.Context) ([]host.TemperatureStat, error)
}

func (Sensors) Name() string { return "sensors" }

func (s Sensors) Snapshot(ctx context.Context, ordinal int) (core.HwSnapshot, error) {
	read := s.Read
	if read == nil {
		read = host.SensorsTemperaturesWithContext
	}
	stats, err := read(ctx)
	if err != nil && len(stats) == 0 {
		return core.HwSnapshot{}, fmt.Errorf("sensors: %w", err)
	}
	keys := s.Keys
	if len(keys) == 0 {
		keys = gpuSensorKeys
	}
	var matched []host.TemperatureStat
	for _, st := range stats {
		key := strings.ToLower(st.SensorKey)
		for _, k := range keys {
			if strings.Contains(key, k) {
				matched = append(matched, st)
				break
			}
		}
	}
	if ordinal < 0 || ordinal >= len(matched) {
		return core.HwSnapshot{}, fmt.Errorf("sensors: no matching sensor for device %d", ordinal)
	}
	return core.HwSnapshot{
		Device:       ordinal,
		TemperatureC: int(matched[ordinal].Temperature),
		Source:       s.Name(),
		Taken:        time.Now(),
	}, nil
}
