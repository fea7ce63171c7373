package kernel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
)

var (
	ErrThreadStarted = errors.New("thread already started")
	ErrThreadKilled  = errors.New("thread was killed")
)

// errKilled unwinds a stalled thread's goroutine.
var errKilled = errors.New("killed")

// ThreadState is the lifecycle of a thread.
type ThreadState int

const (
	ThreadCreated ThreadState = iota
	ThreadRunning
	ThreadFaulted
	ThreadExited
	ThreadKilled
)

// String returns the string representation of the thread state
func (s ThreadState) String() string {
	switch s {
	case ThreadCreated:
		return "created"
	case ThreadRunning:
		return "running"
	case ThreadFaulted:
		return "faulted"
	case ThreadExited:
		return "exited"
	case ThreadKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Thread is an execution context. Its body runs on its own goroutine.
type Thread struct {
	name string
	cap  capability.Cap
	cpu  *CpuSession

	mu      sync.Mutex
	state   ThreadState
	handler signal.Handler
	fault   Fault
	started bool

	kill     chan struct{}
	killOnce sync.Once
	done     chan struct{}
}

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Cap returns the execution capability of the thread.
func (t *Thread) Cap() capability.Cap { return t.cap }

// State returns the current thread state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fault returns the fault that stopped the thread, if any.
func (t *Thread) Fault() (Fault, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fault, t.fault.Kind != FaultNone
}

// Killed is closed when the thread is asked to stop.
func (t *Thread) Killed() <-chan struct{} { return t.kill }

// Done is closed when the thread's goroutine has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Start runs entry on a new goroutine. A panic in entry is an exception:
// it is recorded as the thread's fault and reported to the exception
// handler.
func (t *Thread) Start(entry func()) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", t.name, ErrThreadStarted)
	}
	select {
	case <-t.kill:
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", t.name, ErrThreadKilled)
	default:
	}
	t.started = true
	t.state = ThreadRunning
	t.mu.Unlock()

	go t.run(entry)
	return nil
}

func (t *Thread) run(entry func()) {
	defer close(t.done)
	defer func() {
		r := recover()
		switch {
		case r == nil:
			t.setState(ThreadExited)
			t.cpu.logger.Debug("thread exited", zap.String("thread", t.name))
		case r == errKilled:
			t.setState(ThreadKilled)
		default:
			t.raise(Fault{
				Kind:   FaultException,
				Thread: t.name,
				Reason: fmt.Sprint(r),
				At:     time.Now(),
			})
		}
	}()
	entry()
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// raise records an exception and notifies the responsible handler.
func (t *Thread) raise(f Fault) {
	t.mu.Lock()
	t.state = ThreadFaulted
	t.fault = f
	h := t.handler
	t.mu.Unlock()

	if !h.Valid() {
		h = t.cpu.DefaultHandler()
	}
	t.cpu.logger.Info("thread raised exception",
		zap.String("thread", t.name), zap.String("reason", f.Reason), zap.Stringer("handler", h))
	h.Submit(1)
}

// Stall marks the thread faulted and parks it until it is killed. It must
// be called on the thread's own goroutine and does not return.
func (t *Thread) Stall(f Fault) {
	t.mu.Lock()
	t.state = ThreadFaulted
	t.fault = f
	t.mu.Unlock()

	<-t.kill
	panic(errKilled)
}

// Kill stops the thread and waits for its goroutine to return.
func (t *Thread) Kill() {
	t.killOnce.Do(func() { close(t.kill) })

	t.mu.Lock()
	started := t.started
	if !started {
		t.state = ThreadKilled
	}
	t.mu.Unlock()

	if started {
		<-t.done
	}
}

// CpuSession creates threads and routes their exceptions.
type CpuSession struct {
	label  string
	caps   *capability.Space
	logger *zap.Logger

	mu      sync.Mutex
	threads map[capability.Cap]*Thread
	handler signal.Handler
	closed  bool
}

// OpenCpu creates a CPU session.
func (c *Core) OpenCpu(label string) (*CpuSession, capability.Cap) {
	cpu := &CpuSession{
		label:   label,
		caps:    c.caps,
		logger:  c.logger.Named("cpu").With(zap.String("label", label)),
		threads: make(map[capability.Cap]*Thread),
	}
	return cpu, c.caps.Mint(capability.KindExecution, cpu)
}

// CreateThread creates a thread that has not started yet.
func (s *CpuSession) CreateThread(name string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("cpu %s: create thread %s: %w", s.label, name, ErrSessionClosed)
	}
	t := &Thread{
		name: name,
		cpu:  s,
		kill: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.cap = s.caps.Mint(capability.KindExecution, t)
	s.threads[t.cap] = t
	return t, nil
}

// ExceptionHandler installs h for the thread behind thread. An invalid
// thread capability sets the session default used by threads without a
// handler of their own.
func (s *CpuSession) ExceptionHandler(thread capability.Cap, h signal.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !thread.Valid() {
		s.handler = h
		return nil
	}
	t, ok := s.threads[thread]
	if !ok {
		return fmt.Errorf("cpu %s: exception handler for %s: %w", s.label, thread, capability.ErrInvalidCapability)
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	return nil
}

// DefaultHandler returns the session-wide exception handler.
func (s *CpuSession) DefaultHandler() signal.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Threads returns the threads of the session.
func (s *CpuSession) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	return threads
}

// KillThread kills the thread and revokes its capability.
func (s *CpuSession) KillThread(thread capability.Cap) error {
	s.mu.Lock()
	t, ok := s.threads[thread]
	delete(s.threads, thread)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("cpu %s: kill %s: %w", s.label, thread, capability.ErrInvalidCapability)
	}
	t.Kill()
	return s.caps.Revoke(thread)
}

// Close kills every thread.
func (s *CpuSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	threads := s.threads
	s.threads = make(map[capability.Cap]*Thread)
	s.handler = signal.Handler{}
	s.mu.Unlock()

	var errs []error
	for c, t := range threads {
		t.Kill()
		if err := s.caps.Revoke(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(threads) > 0 {
		s.logger.Debug("killed threads", zap.Int("count", len(threads)))
	}
	return errors.Join(errs...)
}
