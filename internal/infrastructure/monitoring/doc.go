/*
Package monitoring provides metrics collection.

# Overview

This package implements Prometheus-based metrics for session roots, child
supervisors and the failsafe control loop. Every Metrics value owns a
private registry, so several systems can run in one process.

# Features

- Session metrics (live sessions, quota held, create results)
- Child lifecycle metrics (starts, faults, teardowns)
- Control loop metrics (iterations, correlation errors, fault wait time)

# Usage

	metrics := monitoring.NewMetrics("failsafe")

	root := root.New(service, account, caps, factory, root.WithMetrics(metrics))

	// Expose the registry
	http.Handle("/metrics", metrics.Handler())
*/
package monitoring
