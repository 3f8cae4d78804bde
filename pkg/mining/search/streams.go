package search

import (
	"errors"
	"fmt"

	"gpuminer/pkg/mining/gpu"
)

// slot is one stream with its result buffer. A slot carries at most one
// launch at a time.
type slot struct {
	stream  gpu.Stream
	results *gpu.SearchResults

	busy  bool
	seq   uint64
	start uint64
	width uint64
}

// StreamSet is the fixed arena of launch slots owned by one worker.
type StreamSet struct {
	dev   gpu.Device
	slots []slot
}

// NewStreamSet creates n streams and result buffers on dev. On failure
// everything created so far is released.
func NewStreamSet(dev gpu.Device, n int) (*StreamSet, error) {
	if n < 1 {
		return nil, fmt.Errorf("stream count must be positive, got %d", n)
	}
	s := &StreamSet{dev: dev, slots: make([]slot, 0, n)}
	for i := 0; i < n; i++ {
		st, err := dev.NewStream()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create stream %d: %w", i, err), s.Release())
		}
		res, err := dev.AllocResults()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("allocate result buffer %d: %w", i, err), st.Destroy(), s.Release())
		}
		s.slots = append(s.slots, slot{stream: st, results: res})
	}
	return s, nil
}

func (s *StreamSet) Len() int { return len(s.slots) }

// Synchronize waits for every stream to go idle.
func (s *StreamSet) Synchronize() error {
	var errs []error
	for i := range s.slots {
		if err := s.slots[i].stream.Synchronize(); err != nil {
			errs = append(errs, fmt.Errorf("stream %d: %w", i, err))
		}
		s.slots[i].busy = false
	}
	return errors.Join(errs...)
}

// Release drains and destroys every stream and frees the result buffers.
func (s *StreamSet) Release() error {
	var errs []error
	for i := range s.slots {
		if err := s.slots[i].stream.Destroy(); err != nil {
			errs = append(errs, err)
		}
		if err := s.dev.FreeResults(s.slots[i].results); err != nil {
			errs = append(errs, err)
		}
	}
	s.slots = nil
	return errors.Join(errs...)
}
