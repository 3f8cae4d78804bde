package core

import "context"

// State is a worker lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateSearching
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateSearching:
		return "searching"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// SearchHooks connects a running search to its worker.
type SearchHooks struct {
	// ShouldStop is consulted before every launch. Once it returns true the
	// search issues no new launches and returns after in-flight work drains.
	ShouldStop func() bool

	// Found receives the qualifying nonces of one batch, in nonce order,
	// together with the work package the search was dispatched with.
	Found func(nonces []uint64, work WorkPackage)

	// Searched receives the number of nonces attempted by one batch.
	Searched func(count uint64)
}

// Farm is the coordinator that owns a set of miners.
type Farm interface {
	// SubmitProof queues a solution for reporting. It must not block the
	// search for longer than an enqueue.
	SubmitProof(sol Solution)

	// ShouldStop reports a farm-wide shutdown.
	ShouldStop() bool

	// ReportHealth records a worker's health. A nil err means healthy.
	ReportHealth(index int, err error)
}

// Miner is the control surface the farm drives for each device.
type Miner interface {
	Index() int
	Name() string

	// KickOff starts the work loop, or resumes it after Pause.
	KickOff()

	// Pause requests the work loop to park at its next checkpoint. Device
	// resources stay allocated.
	Pause()

	// WaitPaused blocks until the work loop has acknowledged the pause.
	WaitPaused()

	// WorkLoop is the body of the worker goroutine.
	WorkLoop()

	// Stop ends the work loop for good and releases device resources.
	Stop()

	// Wait blocks until the work loop has exited and returns its failure.
	Wait() error

	SetWork(w WorkPackage)
	Work() WorkPackage
	State() State

	// HashCount is the number of nonces searched since the last dataset
	// initialization.
	HashCount() uint64

	// HwMon returns a fresh hardware reading.
	HwMon(ctx context.Context) (HwSnapshot, error)
}
