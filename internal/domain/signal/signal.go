// Package signal provides asynchronous notifications with a single
// blocking receiver.
//
// A Context stands for one condition a receiver can be asked to wait for.
// Managing a context at a Receiver yields a Handler, a copyable capability
// that anybody (a thread's exception path, a region map, a loader) may use
// to submit occurrences. The owner of the receiver blocks in Wait until some
// managed context is pending and learns which one fired.
package signal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAlreadyManaged   = errors.New("signal context is already managed")
	ErrNotManaged       = errors.New("signal context is not managed by this receiver")
	ErrReceiverClosed   = errors.New("signal receiver is closed")
	ErrReceiverBusy     = errors.New("signal receiver already has a waiter")
	ErrUnexpectedSignal = errors.New("unexpected signal")
)

// Context is a registrable, triggerable token. A context belongs to at
// most one receiver at a time.
type Context struct {
	name string

	// Lock order: receiver mutex, then context mutex.
	mu       sync.Mutex
	receiver *Receiver
	epoch    uint64
	pending  uint
	queued   bool
}

// NewContext creates an unmanaged context.
func NewContext(name string) *Context {
	return &Context{name: name}
}

// Name returns the context name.
func (c *Context) Name() string {
	return c.name
}

func (c *Context) String() string {
	return "signal-context(" + c.name + ")"
}

// Signal reports that a context fired Num times since it was last
// delivered.
type Signal struct {
	Context *Context
	Num     uint
}

// Handler submits occurrences to a managed context. Handlers obtained
// before the context was dissolved stay harmless: their submissions are
// dropped.
type Handler struct {
	receiver *Receiver
	context  *Context
	epoch    uint64
}

// Valid reports whether the handler was obtained from Manage. A valid
// handler may still be stale.
func (h Handler) Valid() bool {
	return h.receiver != nil && h.context != nil
}

// Submit records n occurrences (at least one) for the handler's context
// and wakes the receiver. It never blocks on the receiver's owner.
func (h Handler) Submit(n uint) {
	if !h.Valid() {
		return
	}
	if n == 0 {
		n = 1
	}
	h.receiver.submit(h.context, h.epoch, n)
}

func (h Handler) String() string {
	if !h.Valid() {
		return "signal-handler(invalid)"
	}
	return fmt.Sprintf("signal-handler(%s@%s#%d)", h.context.name, h.receiver.name, h.epoch)
}

// Receiver multiplexes managed contexts onto one blocking Wait.
type Receiver struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	managed  map[*Context]struct{}
	queue    []*Context
	epoch    uint64
	waiting  bool
	closed   bool
	received uint64
}

// NewReceiver creates a receiver. An empty name gets a generated one.
func NewReceiver(name string) *Receiver {
	if name == "" {
		name = "receiver-" + uuid.NewString()[:8]
	}
	r := &Receiver{
		name:    name,
		managed: make(map[*Context]struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Name returns the receiver name.
func (r *Receiver) Name() string {
	return r.name
}

// Manage associates ctx with the receiver and returns a fresh handler for
// it.
func (r *Receiver) Manage(ctx *Context) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Handler{}, ErrReceiverClosed
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.receiver != nil {
		return Handler{}, fmt.Errorf("manage %s at %s: %w", ctx, r.name, ErrAlreadyManaged)
	}

	r.epoch++
	ctx.receiver = r
	ctx.epoch = r.epoch
	ctx.pending = 0
	ctx.queued = false
	r.managed[ctx] = struct{}{}

	return Handler{receiver: r, context: ctx, epoch: ctx.epoch}, nil
}

// Dissolve disassociates ctx. Pending occurrences are discarded and all
// handlers obtained for ctx so far become stale.
func (r *Receiver) Dissolve(ctx *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.receiver != r {
		return fmt.Errorf("dissolve %s from %s: %w", ctx, r.name, ErrNotManaged)
	}
	r.dissolveLocked(ctx)
	return nil
}

// dissolveLocked requires r.mu and ctx.mu.
func (r *Receiver) dissolveLocked(ctx *Context) {
	delete(r.managed, ctx)
	if ctx.queued {
		for i, queued := range r.queue {
			if queued == ctx {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
	}
	ctx.receiver = nil
	ctx.epoch = 0
	ctx.pending = 0
	ctx.queued = false
}

// Manages reports whether ctx is currently managed by r.
func (r *Receiver) Manages(ctx *Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.receiver == r
}

// Pending returns the number of undelivered occurrences of ctx.
func (r *Receiver) Pending(ctx *Context) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.receiver != r {
		return 0
	}
	return ctx.pending
}

// Received returns the number of signals delivered by Wait so far.
func (r *Receiver) Received() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

func (r *Receiver) submit(ctx *Context, epoch uint64, n uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if r.closed || ctx.receiver != r || ctx.epoch != epoch {
		return
	}
	ctx.pending += n
	if !ctx.queued {
		ctx.queued = true
		r.queue = append(r.queue, ctx)
	}
	r.cond.Signal()
}

// Wait blocks until a managed context is pending and returns it together
// with the number of occurrences accumulated since its last delivery.
// Pending contexts are delivered in the order they first fired. Wait
// returns ErrReceiverClosed once the receiver is closed; there is no other
// way to abort it.
func (r *Receiver) Wait() (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting {
		return Signal{}, ErrReceiverBusy
	}
	r.waiting = true
	defer func() { r.waiting = false }()

	for len(r.queue) == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return Signal{}, ErrReceiverClosed
	}

	ctx := r.queue[0]
	r.queue = r.queue[1:]
	ctx.mu.Lock()
	sig := Signal{Context: ctx, Num: ctx.pending}
	ctx.pending = 0
	ctx.queued = false
	ctx.mu.Unlock()
	r.received++
	return sig, nil
}

// Close dissolves every managed context and wakes a blocked Wait.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for ctx := range r.managed {
		ctx.mu.Lock()
		r.dissolveLocked(ctx)
		ctx.mu.Unlock()
	}
	r.cond.Broadcast()
}

// CorrelationError reports a signal that arrived for a context other than
// the one the caller waits for.
type CorrelationError struct {
	Expected *Context
	Got      *Context
	Num      uint
}

func (e *CorrelationError) Error() string {
	got := "<nil>"
	if e.Got != nil {
		got = e.Got.name
	}
	return fmt.Sprintf("expected signal for %s, got %d for %s", e.Expected.name, e.Num, got)
}

func (e *CorrelationError) Unwrap() error {
	return ErrUnexpectedSignal
}

// Expect checks that sig was delivered for want.
func Expect(sig Signal, want *Context) error {
	if sig.Num == 0 || sig.Context != want {
		return &CorrelationError{Expected: want, Got: sig.Context, Num: sig.Num}
	}
	return nil
}
