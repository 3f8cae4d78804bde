package dag

import (
	"context"
	"sync"

	"github.com/decred/dcrd/lru"
	"github.com/shirou/gopsutil/v3/mem"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
)

// hostMemoryReserve is left free when deciding whether a dataset fits in
// host memory.
const hostMemoryReserve = 512 << 20

type lightEntry struct {
	once sync.Once
	data []byte
	err  error
}

type mirror struct {
	ready chan struct{}
	data  []byte
	err   error
}

// HostStore is the host-side state shared by every worker in the process:
// light caches, dataset mirrors and the sequential generation lock.
type HostStore struct {
	algo *ethash.Ethash

	// genMu serializes device generation in sequential load mode.
	genMu sync.Mutex

	mu      sync.Mutex
	lights  lru.KVCache
	mirrors map[core.Hash]*mirror

	// hostAvailable reports free host memory in bytes.
	hostAvailable func() (uint64, error)
}

// NewHostStore returns a store retaining up to lightLimit light caches.
func NewHostStore(algo *ethash.Ethash, lightLimit uint) *HostStore {
	if lightLimit == 0 {
		lightLimit = 3
	}
	return &HostStore{
		algo:          algo,
		lights:        lru.NewKVCache(lightLimit),
		mirrors:       make(map[core.Hash]*mirror),
		hostAvailable: virtualMemoryAvailable,
	}
}

func virtualMemoryAvailable() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Light returns the light cache for seed, building it once per process while
// it stays in the LRU.
func (s *HostStore) Light(seed core.Hash) ([]byte, error) {
	s.mu.Lock()
	var entry *lightEntry
	if v, ok := s.lights.Lookup(seed); ok {
		entry = v.(*lightEntry)
	} else {
		entry = new(lightEntry)
		s.lights.Add(seed, entry)
	}
	s.mu.Unlock()

	entry.once.Do(func() {
		entry.data, entry.err = s.algo.MakeCache(seed)
	})
	if entry.err != nil {
		s.mu.Lock()
		s.lights.Delete(seed)
		s.mu.Unlock()
	}
	return entry.data, entry.err
}

// HasLight reports whether a light cache for seed is retained.
func (s *HostStore) HasLight(seed core.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lights.Contains(seed)
}

func (s *HostStore) mirrorFor(seed core.Hash) *mirror {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mirrors[seed]
	if !ok {
		m = &mirror{ready: make(chan struct{})}
		s.mirrors[seed] = m
	}
	return m
}

// Mirror returns a published dataset mirror without waiting.
func (s *HostStore) Mirror(seed core.Hash) ([]byte, bool) {
	s.mu.Lock()
	m, ok := s.mirrors[seed]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-m.ready:
		return m.data, m.err == nil && m.data != nil
	default:
		return nil, false
	}
}

// AwaitMirror blocks until the dataset mirror for seed is published, its
// creator fails, or ctx ends.
func (s *HostStore) AwaitMirror(ctx context.Context, seed core.Hash) ([]byte, error) {
	m := s.mirrorFor(seed)
	select {
	case <-m.ready:
		return m.data, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishMirror makes a dataset mirror, or its creator's failure, visible to
// every waiter. A failure releases the current waiters and clears the entry
// so a retry can publish again. A successful mirror is published once and
// drops the already published mirrors of other seeds.
func (s *HostStore) PublishMirror(seed core.Hash, data []byte, err error) {
	m := s.mirrorFor(seed)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-m.ready:
		return
	default:
	}
	m.data, m.err = data, err
	close(m.ready)
	if err != nil {
		delete(s.mirrors, seed)
		return
	}
	for other, om := range s.mirrors {
		if other == seed {
			continue
		}
		select {
		case <-om.ready:
			delete(s.mirrors, other)
		default:
		}
	}
}

// RoomForMirror reports whether the host can hold a mirror of size bytes.
func (s *HostStore) RoomForMirror(size uint64) bool {
	avail, err := s.hostAvailable()
	if err != nil {
		return false
	}
	return avail > size+hostMemoryReserve
}

func (s *HostStore) lockGeneration()   { s.genMu.Lock() }
func (s *HostStore) unlockGeneration() { s.genMu.Unlock() }
