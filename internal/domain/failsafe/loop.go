// Package failsafe supervises a faulting subject by restarting it.
//
// Each round the Loop starts a fresh subject bound to a signal context,
// blocks until the subject's fault handler fires, checks that the signal
// belongs to that context, records the fault and tears the subject down.
// A signal for any other context is fatal.
package failsafe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/resilience"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

var (
	ErrAborted        = errors.New("failsafe loop aborted")
	ErrUnexpectedWake = errors.New("failsafe loop woke without a signal")
)

// Subject is the supervised unit of one round.
type Subject interface {
	// ObserveFault returns the fault that caused the signal, if recorded.
	ObserveFault() (kernel.Fault, bool)
	Close() error
}

// Scenario builds the subject of a round. Start must make the subject's
// faults trigger ctx at r.
type Scenario interface {
	Name() string
	Start(iteration int, r *signal.Receiver, ctx *signal.Context) (Subject, error)
}

// Metrics receives loop events.
type Metrics interface {
	IterationCompleted(scenario string, wait time.Duration)
	CorrelationFailed(scenario string)
	RestartThrottled(scenario string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IterationCompleted(string, time.Duration) {}
func (noopMetrics) CorrelationFailed(string)                 {}
func (noopMetrics) RestartThrottled(string, time.Duration)   {}

// Option configures a Loop.
type Option func(*options)

type options struct {
	iterations  int
	limit       rate.Limit
	burst       int
	maxFailures uint32
	cooldown    time.Duration
	logger      *zap.Logger
	metrics     Metrics
}

// WithIterations sets the number of rounds.
func WithIterations(n int) Option {
	return func(o *options) {
		o.iterations = n
	}
}

// WithRestartRate limits how often subjects are started.
func WithRestartRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.limit = limit
		o.burst = burst
	}
}

// WithMaxStartFailures sets how many consecutive failed starts open the
// restart breaker.
func WithMaxStartFailures(n uint32) Option {
	return func(o *options) {
		o.maxFailures = n
	}
}

// WithRestartCooldown makes the loop wait d after the restart breaker
// opened and then probe with a single start. Zero, the default, ends the
// run as soon as the breaker opens.
func WithRestartCooldown(d time.Duration) Option {
	return func(o *options) {
		o.cooldown = d
	}
}

// WithLogger sets the logger. The loop adds the iteration to its records;
// the logger is expected to identify the scenario.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Loop restarts the subjects of one scenario.
type Loop struct {
	scenario   Scenario
	iterations int
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	cooldown   time.Duration
	logger     *zap.Logger
	metrics    Metrics
}

// NewLoop creates a loop running five rounds of scenario.
func NewLoop(scenario Scenario, opts ...Option) *Loop {
	o := options{
		iterations:  5,
		limit:       rate.Inf,
		burst:       1,
		maxFailures: 3,
		logger:      zap.NewNop(),
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	return &Loop{
		scenario:   scenario,
		iterations: o.iterations,
		limiter:    rate.NewLimiter(o.limit, o.burst),
		breaker: resilience.New(scenario.Name(), resilience.Settings{
			MaxFailures: o.maxFailures,
			Cooldown:    o.cooldown,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("restart breaker changed state",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		cooldown: o.cooldown,
		logger:   logger,
		metrics:  o.metrics,
	}
}

// Run performs the configured rounds. Cancelling ctx closes the receiver,
// which releases a blocked wait; Run then returns an error wrapping
// ErrAborted. The report covers the rounds completed so far.
func (l *Loop) Run(ctx context.Context) (report Report, err error) {
	name := l.scenario.Name()
	report.Scenario = name
	started := time.Now()
	defer func() { report.Duration = time.Since(started) }()

	r := signal.NewReceiver(name)
	defer r.Close()
	stop := context.AfterFunc(ctx, r.Close)
	defer stop()

	sctx := signal.NewContext(name)

	for i := 0; i < l.iterations; {
		throttled := time.Now()
		if err := l.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		l.metrics.RestartThrottled(name, time.Since(throttled))

		logger := l.logger.With(zap.Int("iteration", i))
		logger.Info("starting subject")

		subject, err := resilience.Start(l.breaker, func() (Subject, error) {
			return l.scenario.Start(i, r, sctx)
		})
		if err != nil {
			if r.Manages(sctx) {
				_ = r.Dissolve(sctx)
			}
			var open *resilience.OpenError
			if errors.As(err, &open) && l.cooldown > 0 {
				logger.Warn("restarts suspended",
					zap.Duration("retry_in", open.RetryIn),
					zap.NamedError("last_error", open.LastError))
				if err := sleep(ctx, open.RetryIn); err != nil {
					return report, fmt.Errorf("%w: %w", ErrAborted, err)
				}
				continue
			}
			if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
				return report, fmt.Errorf("iteration %d: %w", i, err)
			}
			if ctx.Err() != nil {
				return report, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			}
			report.StartFailures++
			logger.Warn("subject start failed", zap.Error(err))
			continue
		}

		round, err := l.supervise(ctx, i, r, sctx, subject)
		if err != nil {
			return report, err
		}
		report.Rounds = append(report.Rounds, round)
		l.metrics.IterationCompleted(name, round.Wait)
		logger.Info("subject faulted",
			zap.Stringer("fault", round.Fault),
			zap.Duration("wait", round.Wait))
		i++
	}

	return report, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise waits for the subject's signal and tears the subject down.
func (l *Loop) supervise(ctx context.Context, i int, r *signal.Receiver, sctx *signal.Context, subject Subject) (Round, error) {
	dissolved := false
	closeSubject := func() error {
		if !dissolved && r.Manages(sctx) {
			_ = r.Dissolve(sctx)
		}
		return subject.Close()
	}

	begin := time.Now()
	sig, err := r.Wait()
	wait := time.Since(begin)
	if err != nil {
		cerr := closeSubject()
		if ctx.Err() != nil {
			return Round{}, errors.Join(fmt.Errorf("%w: %w", ErrAborted, ctx.Err()), cerr)
		}
		return Round{}, errors.Join(fmt.Errorf("%w: %w", ErrUnexpectedWake, err), cerr)
	}

	if err := signal.Expect(sig, sctx); err != nil {
		l.metrics.CorrelationFailed(l.scenario.Name())
		l.logger.Error("got unexpected signal while waiting for subject",
			zap.Int("iteration", i),
			zap.Error(err))
		return Round{}, errors.Join(fmt.Errorf("iteration %d: %w", i, err), closeSubject())
	}

	fault, ok := subject.ObserveFault()
	if !ok {
		l.logger.Warn("signal without a recorded fault", zap.Int("iteration", i))
	}

	if err := r.Dissolve(sctx); err != nil {
		return Round{}, errors.Join(fmt.Errorf("iteration %d: %w", i, err), closeSubject())
	}
	dissolved = true

	if err := closeSubject(); err != nil {
		return Round{}, fmt.Errorf("iteration %d: teardown: %w", i, err)
	}

	return Round{
		Iteration: i,
		Fault:     fault,
		Signals:   sig.Num,
		Wait:      wait,
	}, nil
}
