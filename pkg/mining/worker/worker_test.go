package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/search"
)

type fakeFarm struct {
	mu        sync.Mutex
	solutions []core.Solution
	health    []error
	stop      atomic.Bool
}

func (f *fakeFarm) SubmitProof(sol core.Solution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solutions = append(f.solutions, sol)
}

func (f *fakeFarm) ShouldStop() bool { return f.stop.Load() }

func (f *fakeFarm) ReportHealth(_ int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, err)
}

func (f *fakeFarm) snapshot() ([]core.Solution, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Solution(nil), f.solutions...), append([]error(nil), f.health...)
}

// fakeBackend searches in fixed steps and records every call.
type fakeBackend struct {
	step uint64

	mu        sync.Mutex
	inits     []core.Hash
	starts    []uint64
	releases  int
	initErr   error
	searchErr []error
	onBatch   func(next uint64, hooks core.SearchHooks, w core.WorkPackage)
	searching atomic.Bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Init(_ context.Context, w core.WorkPackage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits = append(b.inits, w.Seed)
	return b.initErr
}

func (b *fakeBackend) Search(w core.WorkPackage, start uint64, hooks core.SearchHooks) (search.Result, error) {
	b.searching.Store(true)
	defer b.searching.Store(false)
	b.mu.Lock()
	b.starts = append(b.starts, start)
	var err error
	if len(b.searchErr) > 0 {
		err, b.searchErr = b.searchErr[0], b.searchErr[1:]
	}
	onBatch := b.onBatch
	b.mu.Unlock()
	if err != nil {
		return search.Result{NextNonce: start}, err
	}

	next := start
	for {
		if hooks.ShouldStop() {
			return search.Result{NextNonce: next, Stopped: true}, nil
		}
		if onBatch != nil {
			onBatch(next, hooks, w)
		}
		hooks.Searched(b.step)
		next += b.step
		time.Sleep(time.Millisecond)
	}
}

func (b *fakeBackend) HwMon(context.Context) (core.HwSnapshot, error) {
	return core.HwSnapshot{Device: 2, TemperatureC: 55, Source: "fake"}, nil
}

func (b *fakeBackend) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBackend) record() ([]core.Hash, []uint64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Hash(nil), b.inits...), append([]uint64(nil), b.starts...), b.releases
}

func work(seed byte, header byte) core.WorkPackage {
	return core.WorkPackage{Header: core.Hash{header}, Seed: core.Hash{seed}}
}

func waitState(t *testing.T, w *Worker, s core.State) {
	t.Helper()
	require.Eventually(t, func() bool { return w.State() == s }, 5*time.Second, time.Millisecond, "state %s", s)
}

func TestLifecycle(t *testing.T) {
	farm := &fakeFarm{}
	b := &fakeBackend{step: 100}
	w := New(0, b, farm, Options{})
	assert.Equal(t, core.StateIdle, w.State())
	assert.Equal(t, "fake-0", w.Name())

	w.SetWork(work(1, 1))
	w.KickOff()
	waitState(t, w, core.StateSearching)
	require.Eventually(t, func() bool { return w.HashCount() > 0 }, time.Second, time.Millisecond)

	w.Stop()
	require.NoError(t, w.Wait())
	assert.Equal(t, core.StateStopped, w.State())
	_, _, releases := b.record()
	assert.Equal(t, 1, releases)

	w.KickOff()
	assert.Equal(t, core.StateStopped, w.State())
}

func TestPauseHandshakeAndResume(t *testing.T) {
	b := &fakeBackend{step: 10}
	w := New(0, b, &fakeFarm{}, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	waitState(t, w, core.StateSearching)
	require.Eventually(t, func() bool { return w.HashCount() >= 50 }, time.Second, time.Millisecond)

	w.Pause()
	w.WaitPaused()
	waitState(t, w, core.StatePaused)
	assert.False(t, b.searching.Load())

	paused := w.HashCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, w.HashCount())

	w.KickOff()
	waitState(t, w, core.StateSearching)
	require.Eventually(t, func() bool { return w.HashCount() > paused }, time.Second, time.Millisecond)

	w.Stop()
	require.NoError(t, w.Wait())

	inits, starts, _ := b.record()
	assert.Len(t, inits, 1)
	require.Len(t, starts, 2)
	assert.Equal(t, uint64(0), starts[0])
	assert.Equal(t, paused, starts[1])
}

func TestPauseRightAfterResume(t *testing.T) {
	b := &fakeBackend{step: 10}
	w := New(0, b, &fakeFarm{}, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	waitState(t, w, core.StateSearching)

	for i := 0; i < 50; i++ {
		w.Pause()
		w.WaitPaused()
		waitState(t, w, core.StatePaused)

		// Resume and pause again before the parked loop wakes up.
		w.KickOff()
		w.Pause()

		paused := make(chan struct{})
		go func() {
			w.WaitPaused()
			close(paused)
		}()
		select {
		case <-paused:
		case <-time.After(5 * time.Second):
			t.Fatalf("cycle %d: WaitPaused never returned", i)
		}
		w.KickOff()
		waitState(t, w, core.StateSearching)
	}

	w.Stop()
	require.NoError(t, w.Wait())
}

func TestWaitPausedBlocksUntilLoopObservesPause(t *testing.T) {
	release := make(chan struct{})
	var holding atomic.Bool
	b := &fakeBackend{step: 1}
	b.onBatch = func(uint64, core.SearchHooks, core.WorkPackage) {
		if holding.CompareAndSwap(false, true) {
			<-release
		}
	}
	w := New(0, b, &fakeFarm{}, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	require.Eventually(t, holding.Load, time.Second, time.Millisecond)

	w.Pause()
	returned := make(chan struct{})
	go func() {
		w.WaitPaused()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("WaitPaused returned before the loop saw the pause")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitPaused never returned")
	}
	w.Stop()
	require.NoError(t, w.Wait())
}

func TestPauseResetsStaleAcknowledgement(t *testing.T) {
	w := New(0, &fakeBackend{step: 1}, &fakeFarm{}, Options{})
	w.setState(core.StateSearching)
	w.aborted.Set(true)

	w.Pause()
	assert.False(t, w.aborted.Get())

	done := make(chan struct{})
	go func() {
		w.WaitPaused()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("stale acknowledgement satisfied WaitPaused")
	case <-time.After(20 * time.Millisecond):
	}

	assert.True(t, w.ShouldStop())
	<-done

	w.Pause()
	assert.True(t, w.aborted.Get())
}

func TestPauseWhileIdle(t *testing.T) {
	w := New(0, &fakeBackend{step: 1}, &fakeFarm{}, Options{})
	w.Pause()
	w.WaitPaused()
	assert.Equal(t, core.StateIdle, w.State())

	w.Stop()
	require.NoError(t, w.Wait())
	assert.Equal(t, core.StateStopped, w.State())
}

func TestFoundReportsEachNonceWithDispatchedWork(t *testing.T) {
	farm := &fakeFarm{}
	var once sync.Once
	dispatched := make(chan core.WorkPackage, 1)
	b := &fakeBackend{step: 1}
	b.onBatch = func(_ uint64, hooks core.SearchHooks, wp core.WorkPackage) {
		once.Do(func() {
			hooks.Found([]uint64{11, 12, 13}, wp)
			dispatched <- wp
		})
	}
	w := New(2, b, farm, Options{})
	first := work(1, 1)
	first.JobID = "first"
	w.SetWork(first)
	w.KickOff()

	wp := <-dispatched
	second := work(1, 2)
	second.JobID = "second"
	w.SetWork(second)

	w.Stop()
	require.NoError(t, w.Wait())

	sols, _ := farm.snapshot()
	require.Len(t, sols, 3)
	for i, sol := range sols {
		assert.Equal(t, uint64(11+i), sol.Nonce)
		assert.Equal(t, 2, sol.Device)
		assert.Equal(t, "first", sol.Work.JobID)
		assert.Equal(t, wp, sol.Work)
	}
}

func TestEpochChangeReinitializes(t *testing.T) {
	b := &fakeBackend{step: 7}
	w := New(0, b, &fakeFarm{}, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	require.Eventually(t, func() bool { return w.HashCount() > 0 }, time.Second, time.Millisecond)

	w.SetWork(work(2, 2))
	require.Eventually(t, func() bool {
		inits, _, _ := b.record()
		return len(inits) == 2
	}, 5*time.Second, time.Millisecond)
	waitState(t, w, core.StateSearching)

	w.Stop()
	require.NoError(t, w.Wait())
	inits, starts, _ := b.record()
	assert.Equal(t, []core.Hash{{1}, {2}}, inits)
	assert.Equal(t, uint64(0), starts[len(starts)-1])
}

func TestJobChangeRestartsRange(t *testing.T) {
	b := &fakeBackend{step: 5}
	w := New(3, b, &fakeFarm{}, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	require.Eventually(t, func() bool { return w.HashCount() >= 20 }, time.Second, time.Millisecond)

	seg := work(1, 9)
	seg.Extranonce = true
	seg.ExSizeBits = 16
	seg.StartNonce = 0xaa << 48
	w.SetWork(seg)
	require.Eventually(t, func() bool {
		_, starts, _ := b.record()
		return len(starts) >= 2
	}, 5*time.Second, time.Millisecond)

	w.Stop()
	require.NoError(t, w.Wait())
	inits, starts, _ := b.record()
	assert.Len(t, inits, 1)
	assert.Equal(t, seg.DeviceStartNonce(3), starts[1])
	assert.Equal(t, uint64(0xaa<<48|3<<44), starts[1])
}

func TestInitFailureStopsWorker(t *testing.T) {
	farm := &fakeFarm{}
	b := &fakeBackend{step: 1, initErr: core.ErrOutOfMemory}
	w := New(0, b, farm, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()

	err := w.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrOutOfMemory)
	assert.Equal(t, core.StateStopped, w.State())
	w.WaitPaused()

	_, health := farm.snapshot()
	require.Len(t, health, 1)
	assert.ErrorIs(t, health[0], core.ErrOutOfMemory)
	_, _, releases := b.record()
	assert.Equal(t, 1, releases)
}

func TestSearchErrorReportsHealth(t *testing.T) {
	farm := &fakeFarm{}
	b := &fakeBackend{step: 1, searchErr: []error{core.ErrDeviceUnhealthy}}
	w := New(0, b, farm, Options{Backoff: time.Millisecond})
	w.SetWork(work(1, 1))
	w.KickOff()

	require.Eventually(t, func() bool {
		_, health := farm.snapshot()
		return len(health) == 2
	}, 5*time.Second, time.Millisecond)

	w.Stop()
	require.NoError(t, w.Wait())
	_, health := farm.snapshot()
	assert.ErrorIs(t, health[0], core.ErrDeviceUnhealthy)
	assert.NoError(t, health[1])
}

func TestFarmShutdownStopsLoop(t *testing.T) {
	farm := &fakeFarm{}
	w := New(0, &fakeBackend{step: 1}, farm, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	waitState(t, w, core.StateSearching)

	farm.stop.Store(true)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored farm shutdown")
	}
	assert.Equal(t, core.StateStopped, w.State())
}

func TestStopWhilePaused(t *testing.T) {
	b := &fakeBackend{step: 1}
	w := New(0, b, &fakeFarm{}, Options{})
	w.SetWork(work(1, 1))
	w.KickOff()
	waitState(t, w, core.StateSearching)
	w.Pause()
	w.WaitPaused()
	waitState(t, w, core.StatePaused)

	w.Stop()
	require.NoError(t, w.Wait())
	_, _, releases := b.record()
	assert.Equal(t, 1, releases)
}

func TestWaitsForWork(t *testing.T) {
	b := &fakeBackend{step: 1}
	w := New(0, b, &fakeFarm{}, Options{})
	w.KickOff()
	time.Sleep(10 * time.Millisecond)
	inits, _, _ := b.record()
	assert.Empty(t, inits)

	w.SetWork(work(4, 4))
	waitState(t, w, core.StateSearching)
	w.Stop()
	require.NoError(t, w.Wait())
}

func TestHwMonIsFresh(t *testing.T) {
	w := New(5, &fakeBackend{step: 1}, nil, Options{})
	snap, err := w.HwMon(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Device, "the reading keeps the device ordinal")
	assert.Equal(t, 55, snap.TemperatureC)
}

func TestNotified(t *testing.T) {
	n := NewNotified(false)
	go func() {
		time.Sleep(5 * time.Millisecond)
		n.Set(true)
	}()
	n.Wait(true)
	assert.True(t, n.Get())
}
