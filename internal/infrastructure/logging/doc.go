// Package logging provides structured logging using uber/zap.
//
// Production loggers write JSON for machine parsing; development loggers
// (LOG_DEV or the -dev flag) write colored console lines.
//
// Components take a *zap.Logger and default to a no-op logger. The process
// bootstrap builds one Logger and hands out named children, one per
// subsystem and one per failsafe scenario:
//
//	logger, err := logging.New(logging.Config{Level: "info"})
//	core := kernel.NewCore(kernel.WithLogger(logger.Component("core")))
//	loop := failsafe.NewLoop(scenario, failsafe.WithLogger(logger.Scenario(scenario.Name())))
package logging
