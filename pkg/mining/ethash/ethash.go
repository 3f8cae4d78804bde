// Package ethash provides the epoch parameters, seed schedule, light cache,
// dataset and search hash used by the miners. Sizes and the seed schedule
// follow Ethash; the cache, dataset and hash mixing are a reduced Keccak
// construction sized for the device pipeline rather than a consensus check.
package ethash

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"runtime"
	"sync"

	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	"gpuminer/pkg/mining/core"
)

const (
	EpochLength = 30000 // blocks per epoch
	MaxEpoch    = 2048  // seed lookups give up beyond this epoch

	ItemBytes = 64 // bytes per cache or dataset item

	cacheInitBytes     = 1 << 24
	cacheGrowthBytes   = 1 << 17
	datasetInitBytes   = 1 << 30
	datasetGrowthBytes = 1 << 23
	mixBytes           = 128

	cacheRounds  = 3
	loopAccesses = 16
)

// Mode selects real Ethash sizes or the tiny sizes used in tests and the
// simulated runtime.
type Mode int

const (
	ModeNormal Mode = iota
	ModeTest
)

func (m Mode) String() string {
	if m == ModeTest {
		return "test"
	}
	return "normal"
}

// ParseMode accepts "normal" or "test".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "normal":
		return ModeNormal, nil
	case "test":
		return ModeTest, nil
	}
	return ModeNormal, fmt.Errorf("unknown ethash mode %q", s)
}

// Ethash carries the size mode and a seed to epoch index.
type Ethash struct {
	mode Mode

	mu     sync.Mutex
	seeds  map[core.Hash]int
	latest int
	last   core.Hash
}

func New(mode Mode) *Ethash {
	return &Ethash{mode: mode, seeds: map[core.Hash]int{{}: 0}}
}

func (e *Ethash) Mode() Mode { return e.mode }

// EpochOfBlock returns the epoch a block number belongs to.
func EpochOfBlock(block uint64) int { return int(block / EpochLength) }

// SeedHash returns the seed of an epoch: Keccak-256 applied epoch times to
// 32 zero bytes.
func SeedHash(epoch int) core.Hash {
	var seed core.Hash
	h := sha3.NewLegacyKeccak256()
	for i := 0; i < epoch; i++ {
		h.Reset()
		h.Write(seed[:])
		h.Sum(seed[:0])
	}
	return seed
}

// EpochOf maps a seed back to its epoch.
func (e *Ethash) EpochOf(seed core.Hash) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch, ok := e.seeds[seed]; ok {
		return epoch, nil
	}
	h := sha3.NewLegacyKeccak256()
	for e.latest < MaxEpoch {
		h.Reset()
		h.Write(e.last[:])
		h.Sum(e.last[:0])
		e.latest++
		e.seeds[e.last] = e.latest
		if e.last == seed {
			return e.latest, nil
		}
	}
	return 0, fmt.Errorf("seed %s is not within %d epochs", seed.Abridged(), MaxEpoch)
}

// CacheSize returns the light cache size in bytes for an epoch.
func (e *Ethash) CacheSize(epoch int) uint64 {
	if e.mode == ModeTest {
		return 1024
	}
	size := uint64(cacheInitBytes+cacheGrowthBytes*epoch) - ItemBytes
	for !isPrime(size / ItemBytes) {
		size -= 2 * ItemBytes
	}
	return size
}

// DatasetSize returns the full dataset size in bytes for an epoch.
func (e *Ethash) DatasetSize(epoch int) uint64 {
	if e.mode == ModeTest {
		return 32 * 1024
	}
	size := uint64(datasetInitBytes+datasetGrowthBytes*epoch) - mixBytes
	for !isPrime(size / mixBytes) {
		size -= 2 * mixBytes
	}
	return size
}

func isPrime(n uint64) bool {
	return new(big.Int).SetUint64(n).ProbablyPrime(1)
}

// MakeCache builds the light cache for the epoch of seed.
func (e *Ethash) MakeCache(seed core.Hash) ([]byte, error) {
	epoch, err := e.EpochOf(seed)
	if err != nil {
		return nil, err
	}
	cache := make([]byte, e.CacheSize(epoch))
	generateCache(cache, seed)
	return cache, nil
}

func generateCache(dst []byte, seed core.Hash) {
	n := len(dst) / ItemBytes
	h := sha3.NewLegacyKeccak512()
	keccak := func(out, in []byte) {
		h.Reset()
		h.Write(in)
		h.Sum(out[:0])
	}
	keccak(dst[:ItemBytes], seed[:])
	for i := 1; i < n; i++ {
		keccak(dst[i*ItemBytes:(i+1)*ItemBytes], dst[(i-1)*ItemBytes:i*ItemBytes])
	}
	tmp := make([]byte, ItemBytes)
	for r := 0; r < cacheRounds; r++ {
		for i := 0; i < n; i++ {
			src := (i - 1 + n) % n
			v := int(binary.LittleEndian.Uint32(dst[i*ItemBytes:]) % uint32(n))
			for j := 0; j < ItemBytes; j++ {
				tmp[j] = dst[src*ItemBytes+j] ^ dst[v*ItemBytes+j]
			}
			keccak(dst[i*ItemBytes:(i+1)*ItemBytes], tmp)
		}
	}
}

// GenerateDataset fills dst, whose length must be a multiple of ItemBytes,
// from the light cache using all available cores.
func (e *Ethash) GenerateDataset(dst, cache []byte) error {
	if len(dst)%ItemBytes != 0 || len(cache) < ItemBytes {
		return fmt.Errorf("dataset generation: bad sizes dataset=%d cache=%d", len(dst), len(cache))
	}
	items := len(dst) / ItemBytes
	workers := runtime.GOMAXPROCS(0)
	chunk := (items + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		first, last := w*chunk, min((w+1)*chunk, items)
		if first >= last {
			break
		}
		g.Go(func() error {
			h := sha3.NewLegacyKeccak512()
			for i := first; i < last; i++ {
				datasetItem(h, dst[i*ItemBytes:(i+1)*ItemBytes], cache, uint32(i))
			}
			return nil
		})
	}
	return g.Wait()
}

type keccakState interface {
	Reset()
	Write([]byte) (int, error)
	Sum([]byte) []byte
}

func datasetItem(h keccakState, out, cache []byte, index uint32) {
	n := uint32(len(cache) / ItemBytes)
	var mix [ItemBytes]byte
	copy(mix[:], cache[(index%n)*ItemBytes:])
	binary.LittleEndian.PutUint32(mix[:], binary.LittleEndian.Uint32(mix[:])^index)
	h.Reset()
	h.Write(mix[:])
	h.Sum(mix[:0])

	parent := fnv(index, binary.LittleEndian.Uint32(mix[4:])) % n
	for j := 0; j < ItemBytes; j++ {
		mix[j] ^= cache[parent*ItemBytes+uint32(j)]
	}
	h.Reset()
	h.Write(mix[:])
	h.Sum(out[:0])
}

func fnv(a, b uint32) uint32 { return a*0x01000193 ^ b }

// Hashimoto computes the mix digest and final hash of header and nonce
// over a full dataset.
func Hashimoto(dataset []byte, header core.Hash, nonce uint64) (mix, result core.Hash) {
	items := uint32(len(dataset) / ItemBytes)
	return hashimoto(header, nonce, items, func(idx uint32) []byte {
		off := uint64(idx) * ItemBytes
		return dataset[off : off+ItemBytes]
	})
}

// HashimotoLight computes the same result as Hashimoto from the light cache
// alone, deriving the dataset items it touches.
func HashimotoLight(cache []byte, datasetSize uint64, header core.Hash, nonce uint64) (mix, result core.Hash) {
	items := uint32(datasetSize / ItemBytes)
	buf := make([]byte, ItemBytes)
	h := sha3.NewLegacyKeccak512()
	return hashimoto(header, nonce, items, func(idx uint32) []byte {
		datasetItem(h, buf, cache, idx)
		return buf
	})
}

func hashimoto(header core.Hash, nonce uint64, items uint32, lookup func(uint32) []byte) (mix, result core.Hash) {
	var in [core.HashLength + 8]byte
	copy(in[:], header[:])
	binary.LittleEndian.PutUint64(in[core.HashLength:], nonce)

	h512 := sha3.NewLegacyKeccak512()
	h512.Write(in[:])
	seed := h512.Sum(nil)

	h256 := sha3.NewLegacyKeccak256()
	copy(mix[:], seed)
	for i := 0; i < loopAccesses; i++ {
		idx := (binary.LittleEndian.Uint32(mix[(i%8)*4:]) ^ uint32(i)) % items
		h256.Reset()
		h256.Write(mix[:])
		h256.Write(lookup(idx))
		h256.Sum(mix[:0])
	}
	h256.Reset()
	h256.Write(seed)
	h256.Write(mix[:])
	h256.Sum(result[:0])
	return mix, result
}

// Evaluate returns the 64-bit search value a kernel compares to the target.
func Evaluate(dataset []byte, header core.Hash, nonce uint64) uint64 {
	_, result := Hashimoto(dataset, header, nonce)
	return result.Upper64()
}

// Verify checks a nonce against the full 256-bit boundary using the light
// cache.
func Verify(cache []byte, datasetSize uint64, header core.Hash, nonce uint64, boundary core.Hash) bool {
	_, result := HashimotoLight(cache, datasetSize, header, nonce)
	return result.Cmp(boundary) <= 0
}
