package kernel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
)

var ErrEmptyRegion = errors.New("region has zero size")

// Region is an attached range of a region map.
type Region struct {
	Base      uint64
	Size      uint64
	Name      string
	Dataspace capability.Cap
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// RegionMap is the address space of a component.
type RegionMap struct {
	label  string
	logger *zap.Logger

	mu      sync.Mutex
	regions []Region
	handler signal.Handler
	fault   Fault
	closed  bool
}

// OpenRegionMap creates an empty region map.
func (c *Core) OpenRegionMap(label string) (*RegionMap, capability.Cap) {
	rm := &RegionMap{
		label:  label,
		logger: c.logger.Named("rm").With(zap.String("label", label)),
	}
	return rm, c.caps.Mint(capability.KindRegionMap, rm)
}

// Attach maps r. Regions must not overlap.
func (m *RegionMap) Attach(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("rm %s: attach %s: %w", m.label, r.Name, ErrEmptyRegion)
	}
	if r.End() < r.Base {
		return fmt.Errorf("rm %s: attach %s: %w", m.label, r.Name, ErrOutOfRange)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("rm %s: %w", m.label, ErrSessionClosed)
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Base >= r.Base })
	if i > 0 && m.regions[i-1].End() > r.Base {
		return fmt.Errorf("rm %s: attach %s at 0x%x: %w", m.label, r.Name, r.Base, ErrOverlap)
	}
	if i < len(m.regions) && r.End() > m.regions[i].Base {
		return fmt.Errorf("rm %s: attach %s at 0x%x: %w", m.label, r.Name, r.Base, ErrOverlap)
	}
	m.regions = append(m.regions, Region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	return nil
}

// Detach unmaps the region starting at base.
func (m *RegionMap) Detach(base uint64) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.regions {
		if r.Base == base {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("rm %s: detach 0x%x: %w", m.label, base, ErrNotAllocated)
}

// Regions returns the attached regions ordered by base.
func (m *RegionMap) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Region(nil), m.regions...)
}

// FaultHandler installs the handler notified on unresolved faults.
func (m *RegionMap) FaultHandler(h signal.Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Access resolves addr on behalf of thread. An address outside every
// region is recorded as the map's fault and reported to the fault handler.
func (m *RegionMap) Access(thread string, addr uint64) (Fault, error) {
	m.mu.Lock()
	for _, r := range m.regions {
		if r.contains(addr) {
			m.mu.Unlock()
			return Fault{}, nil
		}
	}
	f := Fault{Kind: FaultPage, Thread: thread, Addr: addr, At: time.Now()}
	m.fault = f
	h := m.handler
	m.mu.Unlock()

	m.logger.Info("unresolved page fault",
		zap.String("thread", thread), zap.Uint64("addr", addr), zap.Stringer("handler", h))
	h.Submit(1)
	return f, fmt.Errorf("%s: access 0x%x: %w", thread, addr, ErrUnresolvedFault)
}

// Fault returns the last unresolved fault.
func (m *RegionMap) Fault() (Fault, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault, m.fault.Kind != FaultNone
}

// Close detaches every region and drops the fault handler.
func (m *RegionMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.regions = nil
	m.handler = signal.Handler{}
	return nil
}
