package failsafe

import (
	"fmt"
	"strings"
	"time"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

// Round is one completed start, fault and teardown.
type Round struct {
	Iteration int
	Fault     kernel.Fault
	// Signals is the occurrence count delivered with the signal.
	Signals uint
	Wait    time.Duration
}

// Report summarizes a Run.
type Report struct {
	Scenario      string
	Rounds        []Round
	StartFailures int
	Duration      time.Duration
}

// Faults returns the number of rounds in which a fault was recorded.
func (r Report) Faults() int {
	n := 0
	for _, round := range r.Rounds {
		if round.Fault.Kind != kernel.FaultNone {
			n++
		}
	}
	return n
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s: %d rounds, %d faults, %d start failures in %s --\n",
		r.Scenario, len(r.Rounds), r.Faults(), r.StartFailures, r.Duration.Round(time.Microsecond))
	for _, round := range r.Rounds {
		fmt.Fprintf(&b, "  [%d] %s (signals=%d, wait=%s)\n",
			round.Iteration, round.Fault, round.Signals, round.Wait.Round(time.Microsecond))
	}
	return b.String()
}
