// Package factory selects a backend and builds the workers for it.
package factory

import (
	"fmt"
	"slices"
	"sort"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/dag"
	"gpuminer/pkg/mining/hardware"
	"gpuminer/pkg/mining/methods/cuda"
	"gpuminer/pkg/mining/methods/software"
	"gpuminer/pkg/mining/registry"
	"gpuminer/pkg/mining/worker"
)

const (
	MethodCUDA     = "cuda"
	MethodSoftware = "software"
)

// Config controls backend selection.
type Config struct {
	// PreferredOrder lists backends, highest priority first.
	PreferredOrder []string `json:"preferred_order" yaml:"preferred_order"`

	// EnableFallback allows a lower priority backend when the preferred
	// ones are unavailable.
	EnableFallback bool `json:"enable_fallback" yaml:"enable_fallback"`

	CPUThreads   int `json:"cpu_threads" yaml:"cpu_threads"`
	CPUInstances int `json:"cpu_instances" yaml:"cpu_instances"`
}

func DefaultConfig() Config {
	return Config{
		PreferredOrder: []string{MethodCUDA, MethodSoftware},
		EnableFallback: true,
		CPUInstances:   1,
	}
}

// Factory owns the shared host state and constructs workers for the
// selected backend.
type Factory struct {
	cfg     Config
	reg     *registry.Registry
	store   *dag.HostStore
	monitor hardware.Monitor
	wopts   worker.Options

	detected map[string]bool
	selected string
}

// New detects the available backends and selects one.
func New(cfg Config, reg *registry.Registry, monitor hardware.Monitor, wopts worker.Options) *Factory {
	if len(cfg.PreferredOrder) == 0 {
		cfg.PreferredOrder = DefaultConfig().PreferredOrder
	}
	if cfg.CPUInstances <= 0 {
		cfg.CPUInstances = 1
	}
	f := &Factory{
		cfg:      cfg,
		reg:      reg,
		store:    dag.NewHostStore(reg.Algorithm(), 0),
		monitor:  monitor,
		wopts:    wopts,
		detected: make(map[string]bool),
	}
	f.detect()
	f.selectMethod()
	return f
}

func (f *Factory) detect() {
	f.detected[MethodCUDA] = f.reg.NumDevices() > 0
	f.detected[MethodSoftware] = true
}

func (f *Factory) selectMethod() {
	for i, name := range f.cfg.PreferredOrder {
		if i > 0 && !f.cfg.EnableFallback {
			break
		}
		if f.detected[name] {
			f.selected = name
			if i > 0 {
				log.MinrLog.Warnf("Backend %s unavailable, falling back to %s", f.cfg.PreferredOrder[0], name)
			}
			return
		}
	}
}

// Method returns the selected backend, or "" when none is usable.
func (f *Factory) Method() string { return f.selected }

// Store is the host state shared by every worker the factory builds.
func (f *Factory) Store() *dag.HostStore { return f.store }

// Registry returns the device registry backing the GPU workers.
func (f *Factory) Registry() *registry.Registry { return f.reg }

// Instances returns the number of workers NewMiners will build.
func (f *Factory) Instances() int {
	switch f.selected {
	case MethodCUDA:
		return f.reg.Instances()
	case MethodSoftware:
		return f.cfg.CPUInstances
	}
	return 0
}

// NewMiners constructs every worker for the selected backend. GPU worker
// construction locks the registry's configuration.
func (f *Factory) NewMiners(farm core.Farm) ([]*worker.Worker, error) {
	var miners []*worker.Worker
	switch f.selected {
	case MethodCUDA:
		n := f.reg.Instances()
		if n == 0 {
			if _, err := f.reg.Config(); err != nil {
				return nil, err
			}
		}
		for i := 0; i < n; i++ {
			m, err := cuda.NewMiner(i, f.reg, farm, f.store, f.monitor, f.wopts)
			if err != nil {
				return nil, fmt.Errorf("construct GPU worker %d: %w", i, err)
			}
			miners = append(miners, m)
		}
	case MethodSoftware:
		for i := 0; i < f.cfg.CPUInstances; i++ {
			opts := software.Options{Threads: f.cfg.CPUThreads}
			miners = append(miners, software.NewMiner(i, farm, f.reg.Algorithm(), f.store, opts, f.wopts))
		}
	default:
		return nil, core.ErrNoDevices
	}
	log.MinrLog.Infof("Constructed %d %s workers", len(miners), f.selected)
	return miners, nil
}

// DetectionReport summarizes backend detection.
type DetectionReport struct {
	Methods        []MethodStatus `json:"methods"`
	Selected       string         `json:"selected"`
	AvailableCount int            `json:"available_count"`
}

// MethodStatus describes one backend.
type MethodStatus struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}

var descriptions = map[string]string{
	MethodCUDA:     "GPU search over the device compute runtime",
	MethodSoftware: "CPU search over a host-resident dataset",
}

// Report returns the detection results ordered by priority.
func (f *Factory) Report() DetectionReport {
	r := DetectionReport{Selected: f.selected}
	for name, ok := range f.detected {
		prio := slices.Index(f.cfg.PreferredOrder, name)
		if prio < 0 {
			prio = len(f.cfg.PreferredOrder)
		}
		r.Methods = append(r.Methods, MethodStatus{
			Name:        name,
			Available:   ok,
			Priority:    prio,
			Description: descriptions[name],
		})
		if ok {
			r.AvailableCount++
		}
	}
	sort.Slice(r.Methods, func(i, j int) bool {
		if r.Methods[i].Priority != r.Methods[j].Priority {
			return r.Methods[i].Priority < r.Methods[j].Priority
		}
		return r.Methods[i].Name < r.Methods[j].Name
	})
	return r
}
