package failsafe

import (
	"errors"
	"fmt"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/child"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/loader"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/root"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/vm"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/args"
)

// ChildScenario starts binary as an immediate child each round.
type ChildScenario struct {
	core    *kernel.Core
	account *quota.Ledger
	binary  string
	quota   uint64
	opts    []child.Option
}

// NewChildScenario creates a scenario whose children get quota bytes of
// account.
func NewChildScenario(core *kernel.Core, account *quota.Ledger, binary string, quota uint64, opts ...child.Option) *ChildScenario {
	return &ChildScenario{
		core:    core,
		account: account,
		binary:  binary,
		quota:   quota,
		opts:    opts,
	}
}

// Name returns the scenario name.
func (s *ChildScenario) Name() string {
	return "child"
}

// Start creates the child and binds its fault handlers to ctx.
func (s *ChildScenario) Start(_ int, r *signal.Receiver, ctx *signal.Context) (Subject, error) {
	c, err := child.New(s.core, s.account, child.Config{
		Name:     "child",
		Binary:   s.binary,
		Quota:    s.quota,
		Receiver: r,
		Context:  ctx,
	}, s.opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LoaderScenario opens a loader session each round, stages its ROM
// modules and starts binary in it.
type LoaderScenario struct {
	name    string
	root    *root.Root[*loader.Session]
	quota   uint64
	binary  string
	label   string
	modules map[string][]byte
}

// NewLoaderScenario creates a scenario running binary in loader sessions of
// quota bytes.
func NewLoaderScenario(lr *root.Root[*loader.Session], binary string, quota uint64) *LoaderScenario {
	return &LoaderScenario{
		name:    "loader",
		root:    lr,
		quota:   quota,
		binary:  binary,
		modules: make(map[string][]byte),
	}
}

// NewLoaderGrandchildScenario creates a scenario in which init, started by
// the loader, starts binary as its own child with grandchildQuota.
func NewLoaderGrandchildScenario(lr *root.Root[*loader.Session], binary string, quota, grandchildQuota uint64) (*LoaderScenario, error) {
	config, err := kernel.MarshalInitConfig(kernel.InitConfig{
		ParentProvides: []string{"ROM", kernel.LogServiceName},
		Start: []kernel.StartEntry{{
			Name: binary,
			RAM:  fmt.Sprintf("%dK", grandchildQuota>>10),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build init config: %w", err)
	}

	s := NewLoaderScenario(lr, kernel.InitProgram, quota)
	s.name = "loader-grandchild"
	s.label = "init"
	s.modules[kernel.ConfigModule] = config
	return s, nil
}

// Name returns the scenario name.
func (s *LoaderScenario) Name() string {
	return s.name
}

// Start opens the session and starts the subsystem. The session is
// destroyed again if any step fails.
func (s *LoaderScenario) Start(iteration int, r *signal.Receiver, ctx *signal.Context) (Subject, error) {
	sessionArgs := args.SetSize("", args.RAMQuota, s.quota)
	sessionArgs = args.Set(sessionArgs, args.Label, fmt.Sprintf("%s-%d", s.name, iteration))

	c, err := s.root.Create(sessionArgs)
	if err != nil {
		return nil, err
	}
	subject := &loaderSubject{root: s.root, cap: c}

	if err := s.setup(c, r, ctx); err != nil {
		return nil, errors.Join(err, subject.Close())
	}
	return subject, nil
}

func (s *LoaderScenario) setup(c capability.Cap, r *signal.Receiver, ctx *signal.Context) error {
	session, err := s.root.Session(c)
	if err != nil {
		return err
	}

	for name, data := range s.modules {
		buf, err := session.AllocRomModule(name, uint64(len(data)))
		if err != nil {
			return err
		}
		copy(buf, data)
		if err := session.CommitRomModule(name); err != nil {
			return err
		}
	}

	h, err := r.Manage(ctx)
	if err != nil {
		return err
	}
	session.FaultSigh(h)

	return session.Start(s.binary, s.label)
}

// loaderSubject is one loader session of a round.
type loaderSubject struct {
	root *root.Root[*loader.Session]
	cap  capability.Cap
}

func (l *loaderSubject) ObserveFault() (kernel.Fault, bool) {
	session, err := l.root.Session(l.cap)
	if err != nil {
		return kernel.Fault{}, false
	}
	sub := session.Subsystem()
	if sub == nil {
		return kernel.Fault{}, false
	}
	return sub.ObserveFault()
}

func (l *loaderSubject) Close() error {
	return l.root.Destroy(l.cap)
}

// VMScenario runs a virtual machine each round that exits right after it
// was started.
type VMScenario struct {
	root  *root.Root[*vm.Session]
	quota uint64
}

// NewVMScenario creates a scenario opening VM sessions of quota bytes.
func NewVMScenario(vr *root.Root[*vm.Session], quota uint64) *VMScenario {
	return &VMScenario{root: vr, quota: quota}
}

// Name returns the scenario name.
func (s *VMScenario) Name() string {
	return "vm"
}

// Start opens a VM session, binds its exception handler to ctx and lets
// the guest exit asynchronously.
func (s *VMScenario) Start(iteration int, r *signal.Receiver, ctx *signal.Context) (Subject, error) {
	sessionArgs := args.SetSize("", args.RAMQuota, s.quota)
	sessionArgs = args.Set(sessionArgs, args.Label, fmt.Sprintf("vm-%d", iteration))

	c, err := s.root.Create(sessionArgs)
	if err != nil {
		return nil, err
	}
	session, err := s.root.Session(c)
	if err != nil {
		return nil, errors.Join(err, s.root.Destroy(c))
	}

	h, err := r.Manage(ctx)
	if err != nil {
		return nil, errors.Join(err, s.root.Destroy(c))
	}
	session.ExceptionHandler(h)
	if err := session.Run(); err != nil {
		return nil, errors.Join(err, s.root.Destroy(c))
	}

	go func() {
		_ = session.Exit(fmt.Sprintf("guest halted in round %d", iteration))
	}()
	return &vmSubject{root: s.root, cap: c, session: session}, nil
}

type vmSubject struct {
	root    *root.Root[*vm.Session]
	cap     capability.Cap
	session *vm.Session
}

func (v *vmSubject) ObserveFault() (kernel.Fault, bool) {
	reason, ok := v.session.LastExit()
	if !ok {
		return kernel.Fault{}, false
	}
	return kernel.Fault{
		Kind:   kernel.FaultException,
		Thread: v.session.Label(),
		Reason: reason,
	}, true
}

func (v *vmSubject) Close() error {
	return v.root.Destroy(v.cap)
}
