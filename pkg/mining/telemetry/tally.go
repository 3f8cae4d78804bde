// Package telemetry holds the hash counters, hashrate meters and the metric
// registry fed by the miners.
package telemetry

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// HashTally counts nonces searched since the last reset. Add and Load are
// safe from any goroutine; the count only grows between resets.
type HashTally struct {
	count      atomic.Uint64
	generation atomic.Uint64
}

func (t *HashTally) Add(n uint64) { t.count.Add(n) }

func (t *HashTally) Load() uint64 { return t.count.Load() }

// Reset zeroes the tally and starts a new generation.
func (t *HashTally) Reset() {
	t.generation.Add(1)
	t.count.Store(0)
}

// Generation changes on every Reset.
func (t *HashTally) Generation() uint64 { return t.generation.Load() }

type sample struct {
	at         time.Time
	count      uint64
	generation uint64
}

// RateMeter turns periodic tally readings into a hashrate over a sliding
// window. Readings across a reset count from zero.
type RateMeter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

func NewRateMeter(window time.Duration) *RateMeter {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &RateMeter{window: window}
}

// Observe records a tally reading.
func (m *RateMeter) Observe(t *HashTally, at time.Time) {
	s := sample{at: at, generation: t.Generation(), count: t.Load()}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	cut := 0
	for cut < len(m.samples)-2 && at.Sub(m.samples[cut].at) > m.window {
		cut++
	}
	m.samples = m.samples[cut:]
}

// Rate returns hashes per second across the retained readings.
func (m *RateMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < 2 {
		return 0
	}
	var hashes uint64
	for i := 1; i < len(m.samples); i++ {
		prev, cur := m.samples[i-1], m.samples[i]
		if cur.generation != prev.generation || cur.count < prev.count {
			hashes += cur.count
			continue
		}
		hashes += cur.count - prev.count
	}
	elapsed := m.samples[len(m.samples)-1].at.Sub(m.samples[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(hashes) / elapsed
}

// FormatRate renders a hashrate with an SI unit.
func FormatRate(hps float64) string {
	units := []string{"H/s", "kH/s", "MH/s", "GH/s", "TH/s"}
	i := 0
	for hps >= 1000 && i < len(units)-1 {
		hps /= 1000
		i++
	}
	return strconv.FormatFloat(hps, 'f', 2, 64) + " " + units[i]
}
