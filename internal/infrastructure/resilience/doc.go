/*
Package resilience provides a restart breaker for supervised components.

# Overview

A supervisor that restarts a crashing component must not spin forever when
the component cannot even be started (missing binary, exhausted quota).
The breaker counts consecutive failed starts and refuses further starts for
a cooldown once a threshold is reached. Faults of a running component are
not failures here; only starts are.

# Usage

	breaker := resilience.New("test-segfault", resilience.Settings{
		MaxFailures: 3,
		Cooldown:    30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("restart breaker", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	subject, err := resilience.Start(breaker, func() (Subject, error) {
		return scenario.Start(iteration, receiver, context)
	})

# States

	Closed --[MaxFailures]-> Open --[Cooldown]-> Half-Open --[Probes ok]-> Closed
	                                                 |
	                                             [failure]
	                                                 v
	                                                Open
*/
package resilience
