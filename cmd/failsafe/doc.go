// Package main is the entry point of the failsafe supervisor.
//
// It builds a simulated core with a fixed RAM quota, starts the Loader and
// VM service roots and runs every failsafe loop against them:
//
//	child              immediate child that faults
//	loader             child started by a loader session
//	loader-grandchild  init started by a loader, starting the faulting child
//	vm                 virtual machine that exits after starting
//
// Each loop restarts its subject a configured number of times and prints a
// report. The process fails if any loop fails or if the core quota is not
// whole afterwards.
//
// Configuration:
//   - Environment variables (CORE_*, FAILSAFE_*, LOG_*)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Ten rounds per scenario, debug logs
//	./failsafe -iterations 10 -dev
//
//	# Expose metrics while running
//	./failsafe -metrics :9100
//
// Signals:
//   - SIGINT, SIGTERM: abort the loops and tear everything down
package main
