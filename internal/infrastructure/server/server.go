package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/child"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/failsafe"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/loader"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/root"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/vm"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/config"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/logging"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/monitoring"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

// ErrQuotaLeak is returned when the core account is not whole after a run.
var ErrQuotaLeak = errors.New("core quota was not fully returned")

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server wires the simulated core, the service roots and the failsafe
// loops.
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	core    *kernel.Core
	account *quota.Ledger
	vms     *root.Root[*vm.Session]
	loaders *root.Root[*loader.Session]
	loops   []*failsafe.Loop
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	// Initialize logger
	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		s.logger = logger
	}

	s.logger.Info("Initializing failsafe supervisor",
		zap.String("ram_quota", cfg.Core.RAMQuota.String()),
		zap.String("program", cfg.Failsafe.Program),
		zap.Int("iterations", cfg.Failsafe.Iterations),
	)

	// Initialize metrics first (needed by other components)
	s.metrics = monitoring.NewMetrics("")

	s.core = kernel.NewCore(kernel.WithLogger(s.logger.Component("core")))
	s.account = quota.NewLedger("core", cfg.Core.RAMQuota.Bytes())

	alloc := kernel.NewRangeAllocator(cfg.Core.VMRangeBase, cfg.Core.VMRangeSize.Bytes())
	s.vms = vm.NewRoot(s.account, s.core.Caps(), alloc, s.logger.Component("vm"), root.WithMetrics(s.metrics))
	s.loaders = loader.NewRoot(s.core, s.account,
		loader.WithLogger(s.logger.Logger),
		loader.WithMetrics(s.metrics))

	grandchild, err := failsafe.NewLoaderGrandchildScenario(s.loaders, cfg.Failsafe.Program,
		cfg.Failsafe.GrandchildLoaderQuota.Bytes(), cfg.Failsafe.GrandchildQuota.Bytes())
	if err != nil {
		return nil, err
	}

	scenarios := []failsafe.Scenario{
		failsafe.NewChildScenario(s.core, s.account, cfg.Failsafe.Program, cfg.Failsafe.ChildQuota.Bytes(),
			child.WithLogger(s.logger.Logger), child.WithMetrics(s.metrics)),
		failsafe.NewLoaderScenario(s.loaders, cfg.Failsafe.Program, cfg.Failsafe.LoaderQuota.Bytes()),
		grandchild,
		failsafe.NewVMScenario(s.vms, 2*vm.StateSize),
	}
	for _, scenario := range scenarios {
		s.loops = append(s.loops, failsafe.NewLoop(scenario,
			failsafe.WithIterations(cfg.Failsafe.Iterations),
			failsafe.WithRestartRate(rate.Limit(cfg.Failsafe.RestartRate), cfg.Failsafe.RestartBurst),
			failsafe.WithMaxStartFailures(cfg.Failsafe.MaxStartFailures),
			failsafe.WithRestartCooldown(cfg.Failsafe.RestartCooldown),
			failsafe.WithLogger(s.logger.Scenario(scenario.Name())),
			failsafe.WithMetrics(s.metrics),
		))
	}
	s.logger.Info("Failsafe loops registered", zap.Int("count", len(s.loops)))

	return s, nil
}

// Run runs every failsafe loop concurrently and returns their reports in
// registration order. The first failing loop cancels the others.
func (s *Server) Run(ctx context.Context) ([]failsafe.Report, error) {
	timer := monitoring.NewTimer()
	reports := make([]failsafe.Report, len(s.loops))

	g, ctx := errgroup.WithContext(ctx)
	for i, loop := range s.loops {
		g.Go(func() error {
			report, err := loop.Run(ctx)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("%s: %w", report.Scenario, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if avail, total := s.account.Available(), s.account.Total(); avail != total {
		s.logger.Error("Core quota not restored",
			zap.String("available", humanize.IBytes(avail)),
			zap.String("total", humanize.IBytes(total)))
		err = errors.Join(err, fmt.Errorf("%w: %d of %d bytes available", ErrQuotaLeak, avail, total))
	}

	s.logger.Info("Failsafe loops finished",
		zap.Duration("elapsed", timer.Elapsed()),
		zap.Error(err))
	return reports, err
}

// Account returns the core quota account.
func (s *Server) Account() *quota.Ledger {
	return s.account
}

// Metrics returns the metrics collector.
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// MetricsHandler exposes the metrics over HTTP.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Close tears down remaining sessions
func (s *Server) Close() error {
	s.logger.Info("Shutting down supervisor...")

	err := errors.Join(s.loaders.Close(), s.vms.Close())
	if err != nil {
		s.logger.Error("Failed to close service roots", zap.Error(err))
	}

	// Sync logger before exit
	_ = s.logger.Sync()

	return err
}
