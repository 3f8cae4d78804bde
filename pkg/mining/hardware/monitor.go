// Package hardware reads device temperature, fan speed and power draw.
// Readings are taken on demand and never cached.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
)

// Monitor returns a fresh reading for one device ordinal.
type Monitor interface {
	Name() string
	Snapshot(ctx context.Context, ordinal int) (core.HwSnapshot, error)
}

// RunCmdFunc runs a command and returns its standard output.
type RunCmdFunc func(ctx context.Context, name string, args ...string) (string, error)

// ExecRunner runs commands on the local host.
func ExecRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

// NvidiaSMI reads sensors through nvidia-smi.
type NvidiaSMI struct {
	Run RunCmdFunc
}

func (NvidiaSMI) Name() string { return "nvidia-smi" }

// Available reports whether nvidia-smi can be found.
func (m NvidiaSMI) Available() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func (m NvidiaSMI) Snapshot(ctx context.Context, ordinal int) (core.HwSnapshot, error) {
	run := m.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "nvidia-smi",
		"--query-gpu=index,temperature.gpu,fan.speed,power.draw",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(ordinal))
	if err != nil {
		return core.HwSnapshot{}, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || idx != ordinal {
			continue
		}
		snap := core.HwSnapshot{Device: ordinal, Source: m.Name(), Taken: time.Now()}
		snap.TemperatureC = atoi(parts[1])
		snap.FanPercent = atoi(parts[2])
		if v, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64); err == nil {
			snap.PowerW = v
		}
		return snap, nil
	}
	return core.HwSnapshot{}, fmt.Errorf("nvidia-smi: no reading for device %d", ordinal)
}

// atoi parses a reading, treating "[N/A]" and friends as zero.
func atoi(s string) int {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int(v)
}

// Chain asks each monitor in turn and returns the first reading.
type Chain []Monitor

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, m := range c {
		names[i] = m.Name()
	}
	return strings.Join(names, ",")
}

func (c Chain) Snapshot(ctx context.Context, ordinal int) (core.HwSnapshot, error) {
	var errs []error
	for _, m := range c {
		snap, err := m.Snapshot(ctx, ordinal)
		if err == nil {
			return snap, nil
		}
		log.HwmnLog.Debugf("Monitor %s has no reading for device %d: %v", m.Name(), ordinal, err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return core.HwSnapshot{}, errors.New("no hardware monitor configured")
	}
	return core.HwSnapshot{}, errors.Join(errs...)
}

// Default reads nvidia-smi when present and falls back to host sensors.
func Default() Monitor {
	return Chain{NvidiaSMI{}, Sensors{}}
}

// ForRuntime picks the monitor matching rt.
func ForRuntime(rt gpu.Runtime) Monitor {
	if sim, ok := rt.(*gpu.SimRuntime); ok {
		return SimMonitor{Runtime: sim}
	}
	return Default()
}
