// Package loader provides the Loader service: a session runs one subsystem
// on the session's quota, with ROM modules supplied by the client.
//
// A client allocates and fills ROM modules, commits them, registers a fault
// handler and starts a binary. Every thread and region map of the
// subsystem, including the children it starts itself, reports faults to
// that one handler.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/child"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/root"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

// ServiceName is the name of the Loader service.
const ServiceName = "Loader"

var (
	ErrAlreadyStarted = errors.New("subsystem already started")
	ErrNotStaged      = errors.New("ROM module was not allocated")
	ErrSessionClosed  = errors.New("loader session is closed")
)

// Metrics receives session and subsystem events.
type Metrics interface {
	root.Metrics
	child.Metrics
}

// Option configures the loader root and its sessions.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	rootOpts  []root.Option
	childOpts []child.Option
}

// WithLogger sets the logger of the root, its sessions and subsystems.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.rootOpts = append(o.rootOpts, root.WithLogger(logger.Named("loader")))
		o.childOpts = append(o.childOpts, child.WithLogger(logger))
	}
}

// WithMetrics sets the collector for sessions and subsystems.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.rootOpts = append(o.rootOpts, root.WithMetrics(m))
		o.childOpts = append(o.childOpts, child.WithMetrics(m))
	}
}

// Session is one loader session.
type Session struct {
	core      *kernel.Core
	label     string
	account   *quota.Ledger
	ram       *kernel.RamSession
	ramCap    capability.Cap
	rom       *kernel.Rom
	logger    *zap.Logger
	childOpts []child.Option

	mu      sync.Mutex
	staged  map[string]*kernel.Dataspace
	handler signal.Handler
	child   *child.Child
	closed  bool
}

// NewSession creates a session spending from account.
func NewSession(core *kernel.Core, label string, account *quota.Ledger, opts ...Option) *Session {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	ram, ramCap := core.OpenRam("loader:"+label, account)
	return &Session{
		core:      core,
		label:     label,
		account:   account,
		ram:       ram,
		ramCap:    ramCap,
		rom:       kernel.NewRom(core.Rom()),
		logger:    o.logger.Named("loader").With(zap.String("session", label)),
		childOpts: o.childOpts,
		staged:    make(map[string]*kernel.Dataspace),
	}
}

// AllocRomModule allocates a buffer of size bytes for the module name,
// charged to the session. The client fills the buffer and commits it.
func (s *Session) AllocRomModule(name string, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if old, ok := s.staged[name]; ok {
		if err := s.ram.Free(old.Cap()); err != nil {
			return nil, err
		}
		delete(s.staged, name)
	}
	ds, err := s.ram.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ROM module %s: %w", name, err)
	}
	s.staged[name] = ds
	return ds.Bytes(), nil
}

// CommitRomModule publishes the module to the subsystem. Trailing zero
// bytes of the buffer are not part of the module.
func (s *Session) CommitRomModule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.staged[name]
	if !ok {
		return fmt.Errorf("commit %s: %w", name, ErrNotStaged)
	}
	s.rom.Add(name, bytes.TrimRight(ds.Bytes(), "\x00"))
	s.logger.Debug("ROM module committed", zap.String("module", name))
	return nil
}

// FaultSigh registers the handler notified about faults in the subsystem.
func (s *Session) FaultSigh(h signal.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start runs binary with everything left of the session quota. A session
// starts one subsystem only.
func (s *Session) Start(binary, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.child != nil {
		return fmt.Errorf("start %s: %w", binary, ErrAlreadyStarted)
	}
	if name == "" {
		name = binary
	}

	budget := s.account.Available()
	c, err := child.New(s.core, s.account, child.Config{
		Name:    name,
		Binary:  binary,
		Quota:   budget,
		Handler: s.handler,
		Rom:     s.rom,
	}, s.childOpts...)
	if err != nil {
		return err
	}
	s.child = c
	s.logger.Info("subsystem started",
		zap.String("binary", binary),
		zap.String("ram_quota", humanize.IBytes(budget)))
	return nil
}

// Subsystem returns the started child, nil before Start.
func (s *Session) Subsystem() *child.Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

// Close tears down the subsystem and frees the ROM modules.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.child
	s.child = nil
	s.staged = nil
	s.mu.Unlock()

	var errs []error
	if c != nil {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.ram.Close(), s.core.Caps().Revoke(s.ramCap))
	return errors.Join(errs...)
}

// NewRoot creates the Loader service root.
func NewRoot(core *kernel.Core, account *quota.Ledger, opts ...Option) *root.Root[*Session] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return root.New(ServiceName, account, core.Caps(), func(req root.Request) (*Session, error) {
		return NewSession(core, req.Label, req.Account, opts...), nil
	}, o.rootOpts...)
}
