package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("restart breaker is open")
	ErrTooManyRequests = errors.New("too many probe restarts")
)

// State represents the breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures when repeated start failures stop further restarts
type Settings struct {
	// MaxFailures trips the breaker after this many consecutive failed
	// starts. Zero means 3.
	MaxFailures uint32
	// Probes is the number of starts allowed while half-open.
	Probes uint32
	// Window clears the counts periodically while closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
	// Now replaces time.Now.
	Now func() time.Time
}

// Counts holds the start statistics of the current window
type Counts struct {
	Starts               uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// OpenError is returned while the breaker refuses starts.
type OpenError struct {
	Name      string
	LastError error
	RetryIn   time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: restarts suspended for %s after: %v", e.Name, e.RetryIn, e.LastError)
}

func (e *OpenError) Unwrap() []error {
	if e.LastError == nil {
		return []error{ErrCircuitOpen}
	}
	return []error{ErrCircuitOpen, e.LastError}
}

// Breaker stops restarting a component whose starts keep failing
type Breaker struct {
	name     string
	settings Settings

	mu      sync.Mutex
	state   State
	counts  Counts
	expiry  time.Time
	lastErr error
	trips   uint64
}

// New creates a breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 3
	}
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Window == 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
		expiry:   settings.Now().Add(settings.Window),
	}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(b.settings.Now())
	return state
}

// Counts returns a copy of the internal counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Trips returns how often the breaker opened
func (b *Breaker) Trips() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.trips
}

// Start runs start if the breaker admits it and records the outcome.
// A panic in start counts as a failure and is re-raised.
func Start[T any](b *Breaker, start func() (T, error)) (T, error) {
	var zero T

	generation, err := b.admit()
	if err != nil {
		return zero, err
	}

	defer func() {
		if e := recover(); e != nil {
			b.record(generation, fmt.Errorf("panic: %v", e))
			panic(e)
		}
	}()

	result, err := start()
	b.record(generation, err)
	return result, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	state, generation := b.currentState(now)

	switch {
	case state == StateOpen:
		return generation, &OpenError{Name: b.name, LastError: b.lastErr, RetryIn: b.expiry.Sub(now)}
	case state == StateHalfOpen && b.counts.Starts >= b.settings.Probes:
		return generation, fmt.Errorf("%s: %w", b.name, ErrTooManyRequests)
	}

	b.counts.Starts++
	return generation, nil
}

func (b *Breaker) record(before uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if err == nil {
		b.onSuccess(state, now)
		return
	}
	b.lastErr = err
	b.onFailure(state, now)
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	b.counts.Successes++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.Probes {
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.counts.ConsecutiveFailures >= b.settings.MaxFailures {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState returns the current state and generation
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.settings.Window)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}

	return b.state, uint64(b.expiry.UnixNano())
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.settings.Window)
	case StateOpen:
		b.trips++
		b.expiry = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
