package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// HashLength is the size in bytes of headers, seeds and boundaries.
const HashLength = 32

// Hash is a 256-bit value: a header hash, an epoch seed or a boundary.
type Hash [HashLength]byte

// HexToHash parses a hex string with or without a 0x prefix.
func HexToHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) > 2*HashLength {
		return h, fmt.Errorf("hash %q longer than %d bytes", s, HashLength)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	copy(h[HashLength-len(b):], b)
	return h, nil
}

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// Abridged renders the first four bytes, for log lines.
func (h Hash) Abridged() string { return "#" + hex.EncodeToString(h[:4]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// Upper64 returns the most significant 64 bits, big endian.
func (h Hash) Upper64() uint64 { return binary.BigEndian.Uint64(h[:8]) }

// Cmp compares two hashes as big-endian 256-bit integers.
func (h Hash) Cmp(o Hash) int {
	for i := range h {
		switch {
		case h[i] < o[i]:
			return -1
		case h[i] > o[i]:
			return 1
		}
	}
	return 0
}

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := HexToHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// WorkPackage describes one unit of work handed out by the farm. It is
// treated as an immutable value and replaced wholesale.
type WorkPackage struct {
	JobID      string    `json:"job_id,omitempty"`
	Header     Hash      `json:"header"`
	Seed       Hash      `json:"seed"`
	Boundary   Hash      `json:"boundary"`
	StartNonce uint64    `json:"start_nonce"`
	Extranonce bool      `json:"extranonce,omitempty"`
	ExSizeBits int       `json:"ex_size_bits,omitempty"`
	Epoch      int       `json:"epoch"`
	Received   time.Time `json:"received,omitempty"`
}

// MaxDevicesLog2 is the number of nonce bits that select a device.
const MaxDevicesLog2 = 4

// Valid reports whether the package carries work. The zero value does not.
func (w WorkPackage) Valid() bool { return !w.Header.IsZero() }

// Target is the 64-bit comparison target derived from the boundary.
func (w WorkPackage) Target() uint64 { return w.Boundary.Upper64() }

// Segmented reports whether the pool assigned an extranonce of ExSizeBits,
// which narrows every device range and switches to the full boundary check.
func (w WorkPackage) Segmented() bool { return w.Extranonce && w.ExSizeBits >= 0 }

// segmentShift is the bit position of the device index within a nonce, or 0
// when the range cannot be split.
func (w WorkPackage) segmentShift() uint {
	bits := 0
	if w.Segmented() {
		bits = w.ExSizeBits
	}
	shift := 64 - MaxDevicesLog2 - bits
	if shift <= 0 || shift >= 64 {
		return 0
	}
	return uint(shift)
}

// DeviceStartNonce returns the first nonce device index should search.
// Devices always get disjoint ranges: the index occupies the MaxDevicesLog2
// bits above the extranonce.
func (w WorkPackage) DeviceStartNonce(index int) uint64 {
	shift := w.segmentShift()
	if shift == 0 {
		return w.StartNonce
	}
	return w.StartNonce | uint64(index)<<shift
}

// DeviceEndNonce returns the exclusive end of device index's range, or 0
// when the range runs to the top of the nonce space.
func (w WorkPackage) DeviceEndNonce(index int) uint64 {
	shift := w.segmentShift()
	if shift == 0 {
		return 0
	}
	start := w.DeviceStartNonce(index)
	return (start | (uint64(1)<<shift - 1)) + 1
}

// Solution is one qualifying nonce bound to the work it was found for.
type Solution struct {
	ID      string      `json:"id"`
	Device  int         `json:"device"`
	Nonce   uint64      `json:"nonce"`
	Work    WorkPackage `json:"work"`
	FoundAt time.Time   `json:"found_at"`
}

// HwSnapshot is a point-in-time hardware reading for one device.
type HwSnapshot struct {
	Device       int       `json:"device"`
	TemperatureC int       `json:"temperature_c"`
	FanPercent   int       `json:"fan_percent"`
	PowerW       float64   `json:"power_w"`
	Source       string    `json:"source"`
	Taken        time.Time `json:"taken"`
}

func (s HwSnapshot) String() string {
	return fmt.Sprintf("%dC %d%% %.2fW", s.TemperatureC, s.FanPercent, s.PowerW)
}
