// Package root implements session roots: the server-side factory that
// turns a client's session request into a session object paid for by the
// client's donated quota.
//
// Every successful Create debits the requested ram_quota from the root's
// account into a sub-ledger owned by the new session, so a server never
// spends its own budget on behalf of a client. Destroy closes the session
// and returns the sub-ledger to the root account.
package root

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/args"
)

var (
	ErrInvalidArgs    = errors.New("invalid session arguments")
	ErrUnknownSession = errors.New("unknown session")
	ErrRootClosed     = errors.New("session root is closed")
)

// Session is the server-side object behind a session capability.
type Session interface {
	Close() error
}

// Request is what a factory gets to build a session from.
type Request struct {
	Service string
	Args    string
	Label   string
	Quota   uint64
	// Account holds the session's quota. The session may spend from it;
	// the root closes it when the session is destroyed.
	Account *quota.Ledger
}

// Factory constructs one session per request.
type Factory[S Session] func(Request) (S, error)

// Metrics receives session lifecycle events.
type Metrics interface {
	SessionCreated(service string, quota uint64)
	SessionRejected(service, reason string)
	SessionDestroyed(service string, quota uint64)
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated(string, uint64)   {}
func (noopMetrics) SessionRejected(string, string)  {}
func (noopMetrics) SessionDestroyed(string, uint64) {}

// CreateError reports why a session could not be created.
type CreateError struct {
	Service string
	Args    string
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("failed to create %s session (%q): %v", e.Service, e.Args, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Option configures a Root.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics Metrics
}

// WithLogger sets the root's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the collector receiving session events.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

type entry[S Session] struct {
	session S
	account *quota.Ledger
	quota   uint64
	label   string
}

// Root owns the sessions of one service.
type Root[S Session] struct {
	service string
	account *quota.Ledger
	caps    *capability.Space
	factory Factory[S]
	logger  *zap.Logger
	metrics Metrics

	mu       sync.Mutex
	sessions map[capability.Cap]*entry[S]
	closed   bool
}

// New creates a root for service. Session quota is debited from account
// and session capabilities are minted in caps.
func New[S Session](service string, account *quota.Ledger, caps *capability.Space, factory Factory[S], opts ...Option) *Root[S] {
	o := options{
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Root[S]{
		service:  service,
		account:  account,
		caps:     caps,
		factory:  factory,
		logger:   o.logger.With(zap.String("service", service)),
		metrics:  o.metrics,
		sessions: make(map[capability.Cap]*entry[S]),
	}
}

// Service returns the name of the served service.
func (r *Root[S]) Service() string {
	return r.service
}

// Account returns the account session quota is debited from.
func (r *Root[S]) Account() *quota.Ledger {
	return r.account
}

// Create parses sessionArgs, debits the requested ram_quota and builds a
// session. On failure nothing stays allocated.
func (r *Root[S]) Create(sessionArgs string) (capability.Cap, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.metrics.SessionRejected(r.service, "closed")
		return capability.Cap{}, r.createError(sessionArgs, ErrRootClosed)
	}

	amount, err := args.Size(sessionArgs, args.RAMQuota, 0)
	if err != nil {
		r.metrics.SessionRejected(r.service, "invalid_args")
		return capability.Cap{}, r.createError(sessionArgs, fmt.Errorf("%w: %w", ErrInvalidArgs, err))
	}
	label := args.String(sessionArgs, args.Label, "")

	account, err := r.account.Debit(r.accountName(label), amount)
	if err != nil {
		r.metrics.SessionRejected(r.service, "quota_exceeded")
		r.logger.Warn("session quota exceeded",
			zap.String("label", label),
			zap.String("ram_quota", humanize.IBytes(amount)),
			zap.String("available", humanize.IBytes(r.account.Available())))
		return capability.Cap{}, r.createError(sessionArgs, err)
	}

	session, err := r.factory(Request{
		Service: r.service,
		Args:    sessionArgs,
		Label:   label,
		Quota:   amount,
		Account: account,
	})
	if err != nil {
		r.metrics.SessionRejected(r.service, "construction_failed")
		return capability.Cap{}, r.createError(sessionArgs, errors.Join(err, account.Close()))
	}

	e := &entry[S]{session: session, account: account, quota: amount, label: label}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.SessionRejected(r.service, "closed")
		return capability.Cap{}, r.createError(sessionArgs, errors.Join(ErrRootClosed, r.release(e)))
	}
	c := r.caps.Mint(capability.KindSession, session)
	r.sessions[c] = e
	r.mu.Unlock()

	r.metrics.SessionCreated(r.service, amount)
	r.logger.Debug("session created",
		zap.Stringer("session", c),
		zap.String("label", label),
		zap.String("ram_quota", humanize.IBytes(amount)))
	return c, nil
}

// Destroy closes the session behind c and returns its quota.
func (r *Root[S]) Destroy(c capability.Cap) error {
	r.mu.Lock()
	e, ok := r.sessions[c]
	delete(r.sessions, c)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy %s session %s: %w", r.service, c, ErrUnknownSession)
	}
	return r.destroy(c, e)
}

func (r *Root[S]) destroy(c capability.Cap, e *entry[S]) error {
	err := errors.Join(r.release(e), r.caps.Revoke(c))
	r.metrics.SessionDestroyed(r.service, e.quota)
	r.logger.Debug("session destroyed",
		zap.Stringer("session", c),
		zap.String("label", e.label),
		zap.String("ram_quota", humanize.IBytes(e.quota)))
	if err != nil {
		return fmt.Errorf("destroy %s session %s: %w", r.service, c, err)
	}
	return nil
}

// release closes the session first so it can still hand quota back to its
// own account, then returns the account to the root.
func (r *Root[S]) release(e *entry[S]) error {
	return errors.Join(e.session.Close(), e.account.Close())
}

// Session returns the session behind c.
func (r *Root[S]) Session(c capability.Cap) (S, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[c]
	if !ok {
		var zero S
		return zero, fmt.Errorf("%s session %s: %w", r.service, c, ErrUnknownSession)
	}
	return e.session, nil
}

// Len returns the number of live sessions.
func (r *Root[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys all sessions and rejects further requests.
func (r *Root[S]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[capability.Cap]*entry[S])
	r.mu.Unlock()

	var errs []error
	for c, e := range sessions {
		errs = append(errs, r.destroy(c, e))
	}
	return errors.Join(errs...)
}

func (r *Root[S]) accountName(label string) string {
	if label == "" {
		return r.service
	}
	return r.service + ":" + label
}

func (r *Root[S]) createError(sessionArgs string, err error) error {
	return &CreateError{Service: r.service, Args: sessionArgs, Err: err}
}
