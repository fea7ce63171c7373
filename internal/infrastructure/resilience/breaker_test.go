package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errStart = errors.New("start failed")

func startOK() (int, error)   { return 1, nil }
func startFail() (int, error) { return 0, errStart }

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		starts        []bool // true = success, false = failure
		expectedState State
	}{
		{
			name:          "stays closed on successes",
			settings:      Settings{MaxFailures: 2},
			starts:        []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name:          "opens after consecutive failures",
			settings:      Settings{MaxFailures: 3},
			starts:        []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name:          "success resets the failure streak",
			settings:      Settings{MaxFailures: 2},
			starts:        []bool{false, true, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", tt.settings)
			for _, ok := range tt.starts {
				if ok {
					_, _ = Start(b, startOK)
				} else {
					_, _ = Start(b, startFail)
				}
			}
			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerCounts(t *testing.T) {
	b := New("test", Settings{MaxFailures: 10})

	for i := 0; i < 3; i++ {
		_, err := Start(b, startOK)
		require.NoError(t, err)
	}
	_, err := Start(b, startFail)
	assert.ErrorIs(t, err, errStart)

	counts := b.Counts()
	assert.Equal(t, uint32(4), counts.Starts)
	assert.Equal(t, uint32(3), counts.Successes)
	assert.Equal(t, uint32(1), counts.Failures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Zero(t, counts.ConsecutiveSuccesses)
}

func TestBreakerWindowClearsCounts(t *testing.T) {
	c := newClock()
	b := New("test", Settings{MaxFailures: 2, Window: time.Minute, Now: c.Now})

	_, _ = Start(b, startFail)
	c.Advance(2 * time.Minute)
	_, _ = Start(b, startFail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestBreakerOpenRefusesStarts(t *testing.T) {
	c := newClock()
	b := New("child", Settings{MaxFailures: 1, Cooldown: time.Minute, Now: c.Now})

	_, err := Start(b, startFail)
	require.ErrorIs(t, err, errStart)
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, uint64(1), b.Trips())

	called := false
	_, err = Start(b, func() (int, error) {
		called = true
		return 0, nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, errStart)

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "child", open.Name)
	assert.ErrorIs(t, open.LastError, errStart)
	assert.Equal(t, time.Minute, open.RetryIn)
}

func TestBreakerHalfOpenState(t *testing.T) {
	c := newClock()
	b := New("test", Settings{MaxFailures: 1, Probes: 2, Cooldown: time.Second, Now: c.Now})

	_, _ = Start(b, startFail)
	c.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err := Start(b, startOK)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())
	_, err = Start(b, startOK)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	// a failed probe opens again
	_, _ = Start(b, startFail)
	c.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())
	_, _ = Start(b, startFail)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, uint64(3), b.Trips())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b := New("test", Settings{MaxFailures: 1})

	assert.Panics(t, func() {
		_, _ = Start(b, func() (int, error) { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCallbacks(t *testing.T) {
	c := newClock()
	var transitions []string
	b := New("test", Settings{
		MaxFailures: 1,
		Cooldown:    time.Second,
		Now:         c.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_, _ = Start(b, startFail)
	c.Advance(2 * time.Second)
	_, _ = Start(b, startOK)

	assert.Equal(t, []string{
		"test:closed->open",
		"test:open->half-open",
		"test:half-open->closed",
	}, transitions)
}
