// Package gpu is the boundary between the miners and a compute runtime:
// device enumeration, device memory, launch streams and host-visible result
// buffers. Builds tagged cuda bind the native runtime; all other builds use
// SimRuntime.
package gpu

import (
	"fmt"
	"strings"

	"gpuminer/pkg/mining/core"
)

// DevicePtr is an opaque device memory address.
type DevicePtr uintptr

// ScheduleFlag selects how the host waits on device work.
type ScheduleFlag uint

const (
	ScheduleAuto         ScheduleFlag = 0
	ScheduleSpin         ScheduleFlag = 1
	ScheduleYield        ScheduleFlag = 2
	ScheduleBlockingSync ScheduleFlag = 4
)

func (f ScheduleFlag) String() string {
	switch f {
	case ScheduleAuto:
		return "auto"
	case ScheduleSpin:
		return "spin"
	case ScheduleYield:
		return "yield"
	case ScheduleBlockingSync:
		return "sync"
	}
	return fmt.Sprintf("schedule(%d)", uint(f))
}

// Valid reports whether f is one of the runtime's schedule values.
func (f ScheduleFlag) Valid() bool {
	switch f {
	case ScheduleAuto, ScheduleSpin, ScheduleYield, ScheduleBlockingSync:
		return true
	}
	return false
}

// ParseSchedule accepts a name or the numeric runtime value.
func ParseSchedule(s string) (ScheduleFlag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "0":
		return ScheduleAuto, nil
	case "spin", "1":
		return ScheduleSpin, nil
	case "yield", "2":
		return ScheduleYield, nil
	case "sync", "blocking-sync", "4":
		return ScheduleBlockingSync, nil
	}
	return ScheduleAuto, core.NewError(core.ErrCodeConfig, "unknown schedule flag", s)
}

// Properties describes one device.
type Properties struct {
	Ordinal         int    `json:"ordinal"`
	Name            string `json:"name"`
	TotalMemory     uint64 `json:"total_memory"`
	ComputeMajor    int    `json:"compute_major"`
	ComputeMinor    int    `json:"compute_minor"`
	Multiprocessors int    `json:"multiprocessors"`
	ClockMHz        int    `json:"clock_mhz"`
	PCIBusID        int    `json:"pci_bus_id"`
}

func (p Properties) ComputeCapability() string {
	return fmt.Sprintf("%d.%d", p.ComputeMajor, p.ComputeMinor)
}

// MaxSearchResults is the number of nonces one result buffer can hold.
const MaxSearchResults = 4

// SearchResults is the host-visible buffer a kernel writes qualifying
// nonces into. Count may exceed MaxSearchResults; the excess is dropped.
type SearchResults struct {
	Count  uint32
	Nonces [MaxSearchResults]uint64
}

// Found copies out the stored nonces.
func (r *SearchResults) Found() []uint64 {
	n := min(int(r.Count), MaxSearchResults)
	if n == 0 {
		return nil
	}
	out := make([]uint64, n)
	copy(out, r.Nonces[:n])
	return out
}

// Reset clears the buffer before a launch.
func (r *SearchResults) Reset() { r.Count = 0 }

// KernelParams is one search launch over [StartNonce, StartNonce+Width).
type KernelParams struct {
	Dataset      DevicePtr
	DatasetSize  uint64
	Header       core.Hash
	Target       uint64
	StartNonce   uint64
	Width        uint64
	GridSize     uint
	BlockSize    uint
	ParallelHash uint
	Results      *SearchResults
}

// Runtime enumerates and opens devices.
type Runtime interface {
	Name() string
	DeviceCount() (int, error)
	DeviceProperties(ordinal int) (Properties, error)
	Open(ordinal int, schedule ScheduleFlag) (Device, error)
}

// Device is an opened device context. A Device is used by a single worker.
type Device interface {
	Ordinal() int
	Properties() Properties
	FreeMemory() (uint64, error)

	MemAlloc(size uint64) (DevicePtr, error)
	MemFree(p DevicePtr) error
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// GenerateDataset fills dataset from the light cache on the device.
	GenerateDataset(dataset DevicePtr, datasetSize uint64, light DevicePtr, lightSize uint64, gridSize, blockSize uint) error

	NewStream() (Stream, error)
	AllocResults() (*SearchResults, error)
	FreeResults(r *SearchResults) error

	Close() error
}

// Stream is an in-order launch queue.
type Stream interface {
	// Launch enqueues a search and returns without waiting.
	Launch(p KernelParams) error

	// Query reports whether all enqueued work has finished, without
	// blocking. A failed launch surfaces here.
	Query() (bool, error)

	// Synchronize blocks until all enqueued work has finished.
	Synchronize() error

	Destroy() error
}
