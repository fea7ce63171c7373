// Package vm provides the VM service: sessions that own a virtual
// machine's state region and report VM exits through a signal handler.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/root"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

// ServiceName is the name of the VM service.
const ServiceName = "VM"

// StateSize is the size of a VM's register state region.
const StateSize uint64 = 4 << 10

const stateAlign uint64 = 4 << 10

var (
	ErrVMClosed   = errors.New("vm session is closed")
	ErrNotRunning = errors.New("vm is not running")
)

// State is the run state of a VM.
type State int

const (
	StatePaused State = iota
	StateRunning
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one virtual machine.
type Session struct {
	label   string
	alloc   *kernel.RangeAllocator
	account *quota.Ledger
	region  kernel.Region
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	handler signal.Handler
	exits   uint64
	reason  string
}

// NewSession reserves the state region from alloc and charges it to
// account.
func NewSession(label string, alloc *kernel.RangeAllocator, account *quota.Ledger, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := account.Withdraw(StateSize); err != nil {
		return nil, fmt.Errorf("failed to charge vm state for %s: %w", label, err)
	}
	base, err := alloc.Alloc(StateSize, stateAlign)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to allocate vm state for %s: %w", label, err),
			account.Credit(StateSize))
	}

	return &Session{
		label:   label,
		alloc:   alloc,
		account: account,
		region:  kernel.Region{Base: base, Size: StateSize, Name: "vm-state"},
		logger:  logger.With(zap.String("vm", label)),
	}, nil
}

// StateRegion returns the region holding the VM state.
func (s *Session) StateRegion() kernel.Region {
	return s.region
}

// State returns the run state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExceptionHandler installs the handler notified on VM exits.
func (s *Session) ExceptionHandler(h signal.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Run resumes the VM.
func (s *Session) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrVMClosed
	}
	s.state = StateRunning
	return nil
}

// Pause stops the VM.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrVMClosed
	}
	s.state = StatePaused
	return nil
}

// Exit pauses a running VM and notifies the exception handler.
func (s *Session) Exit(reason string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("exit %s: %w", s.label, ErrNotRunning)
	}
	s.state = StatePaused
	s.exits++
	s.reason = reason
	h := s.handler
	s.mu.Unlock()

	s.logger.Debug("vm exit", zap.String("reason", reason))
	h.Submit(1)
	return nil
}

// Exits returns the number of VM exits so far.
func (s *Session) Exits() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exits
}

// LastExit returns the reason of the most recent exit.
func (s *Session) LastExit() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.exits > 0
}

// Label returns the session label.
func (s *Session) Label() string {
	return s.label
}

// Close frees the state region.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.handler = signal.Handler{}
	s.mu.Unlock()

	err := errors.Join(s.alloc.Free(s.region.Base), s.account.Credit(StateSize))
	s.logger.Debug("vm closed", zap.String("state", humanize.IBytes(StateSize)))
	return err
}

// NewRoot creates the VM service root. Every session allocates its state
// from alloc.
func NewRoot(account *quota.Ledger, caps *capability.Space, alloc *kernel.RangeAllocator, logger *zap.Logger, opts ...root.Option) *root.Root[*Session] {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]root.Option{root.WithLogger(logger)}, opts...)
	return root.New(ServiceName, account, caps, func(req root.Request) (*Session, error) {
		return NewSession(req.Label, alloc, req.Account, logger)
	}, opts...)
}
