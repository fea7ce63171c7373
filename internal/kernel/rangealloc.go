package kernel

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
)

var ErrNotAllocated = errors.New("range not allocated")

type span struct {
	base, size uint64
}

// RangeAllocator hands out aligned address ranges first-fit.
type RangeAllocator struct {
	base, size uint64

	mu   sync.Mutex
	used []span
}

// NewRangeAllocator manages [base, base+size).
func NewRangeAllocator(base, size uint64) *RangeAllocator {
	return &RangeAllocator{base: base, size: size}
}

// Alloc reserves size bytes aligned to align (a power of two, 0 meaning 1).
func (a *RangeAllocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc: %w", ErrEmptyRegion)
	}
	if align == 0 {
		align = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.base + a.size
	cursor := a.base
	for i := 0; i <= len(a.used); i++ {
		limit := end
		if i < len(a.used) {
			limit = a.used[i].base
		}
		addr := (cursor + align - 1) &^ (align - 1)
		if addr >= cursor && addr+size >= addr && addr+size <= limit {
			a.used = append(a.used, span{})
			copy(a.used[i+1:], a.used[i:])
			a.used[i] = span{base: addr, size: size}
			return addr, nil
		}
		if i < len(a.used) {
			cursor = a.used[i].base + a.used[i].size
		}
	}
	return 0, fmt.Errorf("alloc %s aligned to %d: %w", humanize.IBytes(size), align, ErrOutOfRange)
}

// Free releases the range starting at addr.
func (a *RangeAllocator) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.used), func(i int) bool { return a.used[i].base >= addr })
	if i == len(a.used) || a.used[i].base != addr {
		return fmt.Errorf("free 0x%x: %w", addr, ErrNotAllocated)
	}
	a.used = append(a.used[:i], a.used[i+1:]...)
	return nil
}

// Avail returns the number of unreserved bytes.
func (a *RangeAllocator) Avail() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	avail := a.size
	for _, s := range a.used {
		avail -= s.size
	}
	return avail
}
