// Package child supervises isolated child components.
//
// A Child is built from a quota account debited off its parent's budget,
// its own RAM, CPU and region-map sessions, and a fault handler installed
// as both the CPU session's default exception handler and the region map's
// fault handler. The supervisor never polls the child: faults surface as
// signals at whichever receiver the handler belongs to. Close tears
// everything down and returns the whole debited quota, from any state,
// including a construction that failed half-way.
package child

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

var (
	ErrStartFailed   = errors.New("child start failed")
	ErrTornDown      = errors.New("child is torn down")
	ErrServiceDenied = errors.New("session request denied by policy")
)

// State is the supervision state of a child.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateFaulted
	StateTornDown
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Config describes a child to start.
type Config struct {
	// Name is the child's label as seen by its parent.
	Name string
	// Binary is the program to load.
	Binary string
	// Quota is debited from the parent account.
	Quota uint64

	// Receiver and Context make the supervisor manage Context at Receiver
	// and use the resulting handler. Otherwise Handler is used as is.
	Receiver *signal.Receiver
	Context  *signal.Context
	Handler  signal.Handler

	// Rom is where the child's ROM modules come from. Defaults to the
	// core ROM.
	Rom kernel.RomSource
	// Policy routes session requests. Defaults to a ForwardingPolicy over
	// Services.
	Policy Policy
	// Services are forwarded by the default policy. Defaults to the core
	// LOG service.
	Services []kernel.Service
}

// Metrics receives child lifecycle events.
type Metrics interface {
	ChildStarted(binary string)
	ChildStartFailed(binary string)
	ChildFaulted(binary, kind string)
	ChildTornDown(binary string)
}

type noopMetrics struct{}

func (noopMetrics) ChildStarted(string)         {}
func (noopMetrics) ChildStartFailed(string)     {}
func (noopMetrics) ChildFaulted(string, string) {}
func (noopMetrics) ChildTornDown(string)        {}

// Option configures a Child.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics Metrics
	parent  *Child
}

// WithLogger sets the supervisor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the collector receiving child events.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// withParent makes the child a nested child of parent.
func withParent(parent *Child) Option {
	return func(o *options) {
		o.parent = parent
	}
}

// Child is a supervised child component.
type Child struct {
	id       uuid.UUID
	name     string
	label    string
	binary   string
	core     *kernel.Core
	parent   *quota.Ledger
	rom      kernel.RomSource
	policy   Policy
	services []kernel.Service
	opts     options
	logger   *zap.Logger

	account *quota.Ledger
	ram     *kernel.RamSession
	cpu     *kernel.CpuSession
	rm      *kernel.RegionMap
	thread  *kernel.Thread
	caps    []capability.Cap

	handler  signal.Handler
	receiver *signal.Receiver
	context  *signal.Context

	mu       sync.Mutex
	state    State
	fault    kernel.Fault
	children []*Child
	sessions []kernel.Session
	log      kernel.LogWriter
	closing  bool
}

// New debits cfg.Quota from parent and starts cfg.Binary in a fresh set of
// sessions. If any step fails, everything done so far is undone and the
// error wraps ErrStartFailed.
func New(core *kernel.Core, parent *quota.Ledger, cfg Config, opts ...Option) (*Child, error) {
	o := options{
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	label := cfg.Name
	if o.parent != nil {
		label = o.parent.label + " -> " + cfg.Name
	}
	services := cfg.Services
	if len(services) == 0 {
		services = []kernel.Service{core.Log()}
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewForwardingPolicy(label, services...)
	}
	rom := cfg.Rom
	if rom == nil {
		rom = core.Rom()
	}

	c := &Child{
		id:       uuid.New(),
		name:     cfg.Name,
		label:    label,
		binary:   cfg.Binary,
		core:     core,
		parent:   parent,
		rom:      rom,
		policy:   policy,
		services: services,
		opts:     o,
		state:    StateStarting,
	}
	c.logger = o.logger.Named("child").With(
		zap.String("label", label),
		zap.String("id", c.id.String()))

	if err := c.start(cfg); err != nil {
		o.metrics.ChildStartFailed(cfg.Binary)
		c.logger.Warn("child start failed", zap.Error(err))
		if terr := c.teardown(); terr != nil {
			err = errors.Join(err, terr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrStartFailed, label, err)
	}

	o.metrics.ChildStarted(cfg.Binary)
	c.logger.Info("child started",
		zap.String("binary", cfg.Binary),
		zap.String("ram_quota", humanize.IBytes(cfg.Quota)))
	return c, nil
}

func (c *Child) start(cfg Config) error {
	account, err := c.parent.Debit(c.label, cfg.Quota)
	if err != nil {
		return err
	}
	c.account = account

	var capRam, capCpu, capRm capability.Cap
	c.ram, capRam = c.core.OpenRam(c.label, account)
	c.caps = append(c.caps, capRam)
	c.cpu, capCpu = c.core.OpenCpu(c.label)
	c.caps = append(c.caps, capCpu)
	c.rm, capRm = c.core.OpenRegionMap(c.label)
	c.caps = append(c.caps, capRm)

	c.handler = cfg.Handler
	if cfg.Receiver != nil && cfg.Context != nil {
		h, err := cfg.Receiver.Manage(cfg.Context)
		if err != nil {
			return fmt.Errorf("failed to manage fault context: %w", err)
		}
		c.handler, c.receiver, c.context = h, cfg.Receiver, cfg.Context
	}
	if !c.handler.Valid() {
		c.logger.Warn("no fault handler, faults will go unnoticed")
	}
	if err := c.cpu.ExceptionHandler(capability.Cap{}, c.handler); err != nil {
		return err
	}
	c.rm.FaultHandler(c.handler)

	prog, err := c.core.Programs().Lookup(cfg.Binary)
	if err != nil {
		return err
	}
	if err := c.load(prog); err != nil {
		return fmt.Errorf("failed to load %s: %w", prog.Name, err)
	}

	thread, err := c.cpu.CreateThread(c.label)
	if err != nil {
		return err
	}
	c.thread = thread

	// A nested child must be reachable from its parent before it can
	// fault.
	if p := c.opts.parent; p != nil {
		if err := p.adopt(c); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	env := &env{c: c}
	return thread.Start(func() { prog.Main(env) })
}

// load charges the program image to the child and maps it.
func (c *Child) load(prog kernel.Program) error {
	segments := []struct {
		name string
		base uint64
		size uint64
	}{
		{"text", kernel.TextBase, prog.Text},
		{"stack", kernel.StackBase, prog.Stack},
	}
	for _, seg := range segments {
		ds, err := c.ram.Alloc(seg.size)
		if err != nil {
			return err
		}
		if err := c.rm.Attach(kernel.Region{Base: seg.base, Size: seg.size, Name: seg.name, Dataspace: ds.Cap()}); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the instance identifier.
func (c *Child) ID() uuid.UUID { return c.id }

// Name returns the child's name.
func (c *Child) Name() string { return c.name }

// Label returns the full label including parent labels.
func (c *Child) Label() string { return c.label }

// Binary returns the loaded program name.
func (c *Child) Binary() string { return c.binary }

// Account returns the child's quota account.
func (c *Child) Account() *quota.Ledger { return c.account }

// Handler returns the fault handler the child reports to.
func (c *Child) Handler() signal.Handler { return c.handler }

// Thread returns the child's main thread.
func (c *Child) Thread() *kernel.Thread { return c.thread }

// RegionMap returns the child's address space.
func (c *Child) RegionMap() *kernel.RegionMap { return c.rm }

// State returns the supervision state.
func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Children returns the children the child started itself.
func (c *Child) Children() []*Child {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Child(nil), c.children...)
}

// ObserveFault moves a running child that has faulted, directly or through
// one of its own children, to StateFaulted and returns the fault.
func (c *Child) ObserveFault() (kernel.Fault, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateFaulted:
		return c.fault, true
	case StateRunning:
	default:
		return kernel.Fault{}, false
	}

	f, ok := c.currentFaultLocked()
	if !ok {
		return kernel.Fault{}, false
	}
	c.state = StateFaulted
	c.fault = f
	c.opts.metrics.ChildFaulted(c.binary, f.Kind.String())
	c.logger.Info("child faulted", zap.Stringer("fault", f))
	return f, true
}

// currentFaultLocked requires c.mu.
func (c *Child) currentFaultLocked() (kernel.Fault, bool) {
	if c.thread != nil {
		if f, ok := c.thread.Fault(); ok {
			return f, true
		}
	}
	if c.rm != nil {
		if f, ok := c.rm.Fault(); ok {
			return f, true
		}
	}
	for _, nested := range c.children {
		nested.mu.Lock()
		f, ok := nested.currentFaultLocked()
		nested.mu.Unlock()
		if ok {
			return f, true
		}
	}
	return kernel.Fault{}, false
}

// Close tears the child down and returns its quota. Closing twice is a
// no-op.
func (c *Child) Close() error {
	c.mu.Lock()
	if c.closing || c.state == StateTornDown {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	return c.teardown()
}

// teardown releases whatever has been built so far.
func (c *Child) teardown() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	var errs []error
	// Killing the threads first stops the child from spawning more.
	if c.cpu != nil {
		errs = append(errs, c.cpu.Close())
	}

	c.mu.Lock()
	children := c.children
	sessions := c.sessions
	c.children, c.sessions, c.log = nil, nil, nil
	c.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		errs = append(errs, children[i].Close())
	}
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	if c.rm != nil {
		errs = append(errs, c.rm.Close())
	}
	if c.ram != nil {
		errs = append(errs, c.ram.Close())
	}
	for _, cp := range c.caps {
		errs = append(errs, c.core.Caps().Revoke(cp))
	}
	c.caps = nil
	if c.receiver != nil && c.receiver.Manages(c.context) {
		errs = append(errs, c.receiver.Dissolve(c.context))
	}
	if c.account != nil {
		errs = append(errs, c.account.Close())
	}

	c.mu.Lock()
	wasStarted := c.state != StateStarting
	c.state = StateTornDown
	c.mu.Unlock()

	if wasStarted {
		c.opts.metrics.ChildTornDown(c.binary)
		c.logger.Info("child torn down")
	}
	return errors.Join(errs...)
}

// spawn starts a nested child inheriting the fault handler.
func (c *Child) spawn(name, binary string, amount uint64) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrTornDown
	}

	_, err := New(c.core, c.account, Config{
		Name:     name,
		Binary:   binary,
		Quota:    amount,
		Handler:  c.handler,
		Rom:      c.rom,
		Services: c.services,
	}, WithLogger(c.opts.logger), WithMetrics(c.opts.metrics), withParent(c))
	return err
}

func (c *Child) adopt(nested *Child) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrTornDown
	}
	c.children = append(c.children, nested)
	return nil
}

// openSession routes a session request through the policy.
func (c *Child) openSession(service, sessionArgs string) (kernel.Session, error) {
	svc := c.policy.ResolveSessionRequest(service, sessionArgs)
	if svc == nil {
		return nil, fmt.Errorf("%s: %s session: %w", c.label, service, ErrServiceDenied)
	}
	s, err := svc.Connect(c.policy.FilterSessionArgs(service, sessionArgs))
	if err != nil {
		return nil, fmt.Errorf("%s: %s session: %w", c.label, service, err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, errors.Join(ErrTornDown, s.Close())
	}
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Child) String() string {
	return fmt.Sprintf("child(%s %s %s)", c.label, c.binary, c.State())
}
