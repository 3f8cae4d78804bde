package hardware

import (
	"context"
	"fmt"
	"strings"

	"gpuminer/pkg/mining/gpu"
)

// Detection describes what the host offers for mining and monitoring.
type Detection struct {
	Runtime     string
	Native      bool
	Devices     []gpu.Properties
	NvidiaSMI   bool
	HostSensors bool
	Reason      string
}

// Detect enumerates devices through rt and checks which monitoring tools are available.
func Detect(ctx context.Context, rt gpu.Runtime) Detection {
	d := Detection{Runtime: rt.Name(), Native: gpu.NativeAvailable}
	n, err := rt.DeviceCount()
	if err != nil {
		d.Reason = err.Error()
	}
	for i := 0; i < n; i++ {
		if p, err := rt.DeviceProperties(i); err == nil {
			d.Devices = append(d.Devices, p)
		}
	}
	d.NvidiaSMI = NvidiaSMI{}.Available()
	_, err = Sensors{}.Snapshot(ctx, 0)
	d.HostSensors = err == nil
	if len(d.Devices) == 0 && d.Reason == "" {
		d.Reason = "runtime reports no devices"
	}
	return d
}

// Summary returns a human-readable report.
func (d Detection) Summary() string {
	var b strings.Builder
	b.WriteString("Hardware Detection Summary:\n")
	b.WriteString("===========================\n\n")
	b.WriteString(fmt.Sprintf("%-14s %s (native: %v)\n", "Runtime", d.Runtime, d.Native))
	b.WriteString(fmt.Sprintf("%-14s %d\n", "Devices", len(d.Devices)))
	for _, p := range d.Devices {
		b.WriteString(fmt.Sprintf("               [%d] %s, compute %s, %d MiB\n",
			p.Ordinal, p.Name, p.ComputeCapability(), p.TotalMemory>>20))
	}
	b.WriteString(fmt.Sprintf("%-14s %s\n", "nvidia-smi", availability(d.NvidiaSMI)))
	b.WriteString(fmt.Sprintf("%-14s %s\n", "Host sensors", availability(d.HostSensors)))
	if d.Reason != "" {
		b.WriteString(fmt.Sprintf("%-14s %s\n", "Reason", d.Reason))
	}
	return b.String()
}

func availability(ok bool) string {
	if ok {
		return "✅ AVAILABLE"
	}
	return "❌ UNAVAILABLE"
}
