package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/quota"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/signal"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

const kib = 1 << 10

func waitFor(t *testing.T, r *signal.Receiver) signal.Signal {
	t.Helper()
	ch := make(chan signal.Signal, 1)
	go func() {
		if sig, err := r.Wait(); err == nil {
			ch <- sig
		}
	}()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
		return signal.Signal{}
	}
}

func TestLoadedChildFaultReachesClient(t *testing.T) {
	core := kernel.NewCore()
	account := quota.NewLedger("core", 4*1024*kib)
	lr := NewRoot(core, account, WithLogger(zaptest.NewLogger(t)))

	c, err := lr.Create("ram_quota=1M")
	require.NoError(t, err)
	s, err := lr.Session(c)
	require.NoError(t, err)

	r := signal.NewReceiver("client")
	ctx := signal.NewContext("loader")
	h, err := r.Manage(ctx)
	require.NoError(t, err)
	s.FaultSigh(h)
	require.NoError(t, s.Start(kernel.SegfaultProgram, ""))
	assert.ErrorIs(t, s.Start(kernel.SegfaultProgram, ""), ErrAlreadyStarted)

	sig := waitFor(t, r)
	require.NoError(t, signal.Expect(sig, ctx))

	sub := s.Subsystem()
	require.NotNil(t, sub)
	assert.Equal(t, kernel.SegfaultProgram, sub.Label())
	f, ok := sub.ObserveFault()
	require.True(t, ok)
	assert.Equal(t, kernel.FaultPage, f.Kind)

	require.NoError(t, r.Dissolve(ctx))
	require.NoError(t, lr.Destroy(c))
	assert.Equal(t, uint64(4*1024*kib), account.Available())
	assert.Zero(t, lr.Len())
}

func TestRomModulesAreVisibleToSubsystem(t *testing.T) {
	core := kernel.NewCore()
	core.Rom().Add(kernel.ConfigModule, []byte("start: []\n"))
	account := quota.NewLedger("core", 4*1024*kib)
	lr := NewRoot(core, account)

	c, err := lr.Create("ram_quota=2024K")
	require.NoError(t, err)
	s, err := lr.Session(c)
	require.NoError(t, err)

	cfg := []byte("start:\n  - name: test-segfault\n    ram: 10M\n")
	buf, err := s.AllocRomModule(kernel.ConfigModule, 4*kib)
	require.NoError(t, err)
	require.Len(t, buf, 4*kib)
	copy(buf, cfg)
	require.NoError(t, s.CommitRomModule(kernel.ConfigModule))

	// the committed module shadows the global one
	data, err := s.rom.Module(kernel.ConfigModule)
	require.NoError(t, err)
	assert.Equal(t, cfg, data)

	r := signal.NewReceiver("client")
	ctx := signal.NewContext("loader")
	h, err := r.Manage(ctx)
	require.NoError(t, err)
	s.FaultSigh(h)
	require.NoError(t, s.Start(kernel.InitProgram, "init"))

	sig := waitFor(t, r)
	require.NoError(t, signal.Expect(sig, ctx))
	f, ok := s.Subsystem().ObserveFault()
	require.True(t, ok)
	assert.Equal(t, "init -> test-segfault", f.Thread)

	require.NoError(t, r.Dissolve(ctx))
	require.NoError(t, lr.Destroy(c))
	assert.Equal(t, uint64(4*1024*kib), account.Available())
}

func TestRomModuleErrors(t *testing.T) {
	core := kernel.NewCore()
	account := quota.NewLedger("session", 8*kib)
	s := NewSession(core, "test", account)

	assert.ErrorIs(t, s.CommitRomModule("missing"), ErrNotStaged)

	_, err := s.AllocRomModule("big", 16*kib)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	_, err = s.AllocRomModule("config", 4*kib)
	require.NoError(t, err)
	// reallocating replaces the old buffer
	_, err = s.AllocRomModule("config", 6*kib)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*kib), account.Available())

	// not enough left for the program image
	err = s.Start(kernel.IdleProgram, "")
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Nil(t, s.Subsystem())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(8*kib), account.Available())

	_, err = s.AllocRomModule("config", 1)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Start(kernel.IdleProgram, ""), ErrSessionClosed)
}
