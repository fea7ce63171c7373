package kernel

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
)

// Dataspace is a block of memory charged to a RAM session.
type Dataspace struct {
	cap  capability.Cap
	size uint64

	mu   sync.Mutex
	data []byte
}

// Cap returns the memory capability of the dataspace.
func (d *Dataspace) Cap() capability.Cap { return d.cap }

// Size returns the charged size in bytes.
func (d *Dataspace) Size() uint64 { return d.size }

// Bytes returns the backing buffer, allocating it on first use.
func (d *Dataspace) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data == nil {
		d.data = make([]byte, d.size)
	}
	return d.data
}

// RamSession hands out dataspaces charged to a quota account.
type RamSession struct {
	label   string
	account *quota.Ledger
	caps    *capability.Space
	logger  *zap.Logger

	mu         sync.Mutex
	dataspaces map[capability.Cap]*Dataspace
	closed     bool
}

// OpenRam creates a RAM session drawing from account. The session does not
// own the account; its owner closes it.
func (c *Core) OpenRam(label string, account *quota.Ledger) (*RamSession, capability.Cap) {
	ram := &RamSession{
		label:      label,
		account:    account,
		caps:       c.caps,
		logger:     c.logger.Named("ram").With(zap.String("label", label)),
		dataspaces: make(map[capability.Cap]*Dataspace),
	}
	return ram, c.caps.Mint(capability.KindMemory, ram)
}

// Account returns the quota account backing the session.
func (r *RamSession) Account() *quota.Ledger {
	return r.account
}

// Alloc charges size bytes to the account and returns a dataspace.
func (r *RamSession) Alloc(size uint64) (*Dataspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("ram %s: %w", r.label, ErrSessionClosed)
	}
	if err := r.account.Withdraw(size); err != nil {
		return nil, fmt.Errorf("ram %s: alloc %s: %w", r.label, humanize.IBytes(size), err)
	}

	ds := &Dataspace{size: size}
	ds.cap = r.caps.Mint(capability.KindMemory, ds)
	r.dataspaces[ds.cap] = ds
	return ds, nil
}

// Free releases a dataspace and credits its size back.
func (r *RamSession) Free(ds capability.Cap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.dataspaces[ds]
	if !ok {
		return fmt.Errorf("ram %s: free %s: %w", r.label, ds, capability.ErrInvalidCapability)
	}
	delete(r.dataspaces, ds)
	if err := r.caps.Revoke(ds); err != nil {
		return err
	}
	return r.account.Credit(d.size)
}

// Used returns the bytes currently allocated through the session.
func (r *RamSession) Used() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var used uint64
	for _, d := range r.dataspaces {
		used += d.size
	}
	return used
}

// Close frees every dataspace.
func (r *RamSession) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	dataspaces := r.dataspaces
	r.dataspaces = make(map[capability.Cap]*Dataspace)
	r.mu.Unlock()

	var used uint64
	for c, d := range dataspaces {
		_ = r.caps.Revoke(c)
		used += d.size
	}
	if used == 0 || r.account.Closed() {
		return nil
	}
	r.logger.Debug("freeing dataspaces", zap.Int("count", len(dataspaces)), zap.String("size", humanize.IBytes(used)))
	return r.account.Credit(used)
}
