package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/config"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/logging"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, WithLogger(&logging.Logger{Logger: zaptest.NewLogger(t)}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestRunAllScenarios(t *testing.T) {
	cfg := config.Default()
	cfg.Failsafe.Iterations = 2
	cfg.Failsafe.RestartRate = 1000
	srv := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reports, err := srv.Run(ctx)
	require.NoError(t, err)

	require.Len(t, reports, 4)
	names := make([]string, 0, len(reports))
	for _, report := range reports {
		names = append(names, report.Scenario)
		assert.Len(t, report.Rounds, 2, report.Scenario)
		assert.Equal(t, 2, report.Faults(), report.Scenario)
	}
	assert.Equal(t, []string{"child", "loader", "loader-grandchild", "vm"}, names)
	assert.Equal(t, srv.Account().Total(), srv.Account().Available())

	m := srv.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoopIterations.WithLabelValues("vm")))
	// the grandchild's fault is observed through init
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ChildFaults.WithLabelValues(kernel.SegfaultProgram, kernel.FaultPage.String())))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChildFaults.WithLabelValues(kernel.InitProgram, kernel.FaultPage.String())))
	assert.Zero(t, testutil.ToFloat64(m.SessionsActive.WithLabelValues("Loader")))

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "failsafe_loop_iterations_total")
}

func TestRunStopsOnUnknownProgram(t *testing.T) {
	cfg := config.Default()
	cfg.Failsafe.Program = "missing"
	cfg.Failsafe.MaxStartFailures = 1
	srv := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := srv.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, kernel.ErrNoSuchBinary)
	assert.NotErrorIs(t, err, ErrQuotaLeak)
	assert.Equal(t, srv.Account().Total(), srv.Account().Available())
}

func TestNewServerRejectsBadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "chatty"
	_, err := NewServer(cfg)
	assert.Error(t, err)
}
