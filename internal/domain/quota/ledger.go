// Package quota accounts for a divisible, conserved resource budget.
//
// A Ledger holds a total and the part of it that is still available.
// Debit splits a sub-ledger off the available budget; closing the sub-ledger
// returns its whole budget. Quota is never created or destroyed: for every
// ledger, Total == Available + Withdrawn + the totals of its live
// sub-ledgers.
package quota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

var (
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrCreditMismatch = errors.New("credit exceeds debited quota")
	ErrLedgerClosed   = errors.New("ledger is closed")
)

// Ledger is a quota account. It is safe for concurrent use.
type Ledger struct {
	name   string
	parent *Ledger

	mu        sync.Mutex
	total     uint64
	available uint64
	withdrawn uint64
	children  map[*Ledger]struct{}
	closed    bool
}

// NewLedger creates a root account holding total bytes.
func NewLedger(name string, total uint64) *Ledger {
	return &Ledger{
		name:      name,
		total:     total,
		available: total,
		children:  make(map[*Ledger]struct{}),
	}
}

// Name returns the account name.
func (l *Ledger) Name() string {
	return l.name
}

// Parent returns the account this ledger was debited from, nil for a root.
func (l *Ledger) Parent() *Ledger {
	return l.parent
}

// Total returns the budget the ledger was created with.
func (l *Ledger) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Available returns the undistributed part of the budget.
func (l *Ledger) Available() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

// Withdrawn returns the quota taken out by Withdraw and not yet credited.
func (l *Ledger) Withdrawn() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.withdrawn
}

// Closed reports whether the ledger has returned its budget.
func (l *Ledger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Debit splits amount off the available budget into a new sub-ledger named
// name. It fails without side effects if amount exceeds the available
// budget.
func (l *Ledger) Debit(name string, amount uint64) (*Ledger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("debit %s from %s: %w", name, l.name, ErrLedgerClosed)
	}
	if amount > l.available {
		return nil, fmt.Errorf("debit %s from %s: need %s, have %s: %w",
			name, l.name, humanize.IBytes(amount), humanize.IBytes(l.available), ErrQuotaExceeded)
	}

	child := &Ledger{
		name:      name,
		parent:    l,
		total:     amount,
		available: amount,
		children:  make(map[*Ledger]struct{}),
	}
	l.available -= amount
	l.children[child] = struct{}{}
	return child, nil
}

// Credit returns amount to the available budget. Credits must pair with
// an earlier withdrawal; a credit larger than the outstanding withdrawals
// is rejected without side effects.
func (l *Ledger) Credit(amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("credit to %s: %w", l.name, ErrLedgerClosed)
	}
	if amount > l.withdrawn {
		return fmt.Errorf("credit %d to %s (withdrawn %d): %w",
			amount, l.name, l.withdrawn, ErrCreditMismatch)
	}
	l.withdrawn -= amount
	l.available += amount
	return nil
}

// Withdraw takes amount out of the available budget without creating a
// sub-ledger. The caller owns the withdrawn quota and must Credit it back.
func (l *Ledger) Withdraw(amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("withdraw from %s: %w", l.name, ErrLedgerClosed)
	}
	if amount > l.available {
		return fmt.Errorf("withdraw %s from %s, have %s: %w",
			humanize.IBytes(amount), l.name, humanize.IBytes(l.available), ErrQuotaExceeded)
	}
	l.available -= amount
	l.withdrawn += amount
	return nil
}

// Children returns the number of live sub-ledgers.
func (l *Ledger) Children() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}

// Close closes all live sub-ledgers and returns the whole budget, including
// anything withdrawn and not yet credited, to the parent. Closing twice is a
// no-op.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	children := make([]*Ledger, 0, len(l.children))
	for child := range l.children {
		children = append(children, child)
	}
	l.mu.Unlock()

	var errs []error
	for _, child := range children {
		if err := child.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// Sub-ledgers have released their budgets by now; whatever was
	// withdrawn for allocations goes back with the account.
	l.mu.Lock()
	amount := l.available + l.withdrawn
	l.available = 0
	l.withdrawn = 0
	l.mu.Unlock()

	if l.parent != nil {
		if err := l.parent.release(l, amount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// release takes back the budget of a closing sub-ledger.
func (l *Ledger) release(child *Ledger, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.children[child]; !ok {
		return fmt.Errorf("release %s to %s: not a live sub-ledger", child.name, l.name)
	}
	delete(l.children, child)
	l.available += amount
	return nil
}

func (l *Ledger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("%s(%s/%s)", l.name, humanize.IBytes(l.available), humanize.IBytes(l.total))
}
