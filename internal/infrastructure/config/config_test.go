package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Core config
	assert.Equal(t, uint64(64<<20), cfg.Core.RAMQuota.Bytes())
	assert.Equal(t, uint64(0x8000_0000), cfg.Core.VMRangeBase)

	// Failsafe config
	assert.Equal(t, 5, cfg.Failsafe.Iterations)
	assert.Equal(t, "test-segfault", cfg.Failsafe.Program)
	assert.Equal(t, uint64(1<<20), cfg.Failsafe.ChildQuota.Bytes())
	assert.Equal(t, uint64(2024<<10), cfg.Failsafe.GrandchildLoaderQuota.Bytes())

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"CORE_RAM_QUOTA":                   "128M",
		"CORE_VM_RANGE_BASE":               "4096",
		"FAILSAFE_ITERATIONS":              "10",
		"FAILSAFE_PROGRAM":                 "test-exception",
		"FAILSAFE_CHILD_QUOTA":             "2M",
		"FAILSAFE_LOADER_QUOTA":            "1048576",
		"FAILSAFE_GRANDCHILD_LOADER_QUOTA": "3000K",
		"FAILSAFE_RESTART_RATE":            "2.5",
		"FAILSAFE_RESTART_BURST":           "4",
		"FAILSAFE_MAX_START_FAILURES":      "7",
		"FAILSAFE_RESTART_COOLDOWN":        "250ms",
		"LOG_LEVEL":                        "debug",
		"LOG_DEV":                          "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	// Verify core config
	assert.Equal(t, uint64(128<<20), cfg.Core.RAMQuota.Bytes())
	assert.Equal(t, uint64(4096), cfg.Core.VMRangeBase)

	// Verify failsafe config
	assert.Equal(t, 10, cfg.Failsafe.Iterations)
	assert.Equal(t, "test-exception", cfg.Failsafe.Program)
	assert.Equal(t, uint64(2<<20), cfg.Failsafe.ChildQuota.Bytes())
	assert.Equal(t, uint64(1<<20), cfg.Failsafe.LoaderQuota.Bytes())
	assert.Equal(t, uint64(3000<<10), cfg.Failsafe.GrandchildLoaderQuota.Bytes())
	assert.Equal(t, 2.5, cfg.Failsafe.RestartRate)
	assert.Equal(t, 4, cfg.Failsafe.RestartBurst)
	assert.Equal(t, uint32(7), cfg.Failsafe.MaxStartFailures)
	assert.Equal(t, 250*time.Millisecond, cfg.Failsafe.RestartCooldown)

	// Verify logging config
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed size", "FAILSAFE_CHILD_QUOTA", "lots"},
		{"zero iterations", "FAILSAFE_ITERATIONS", "0"},
		{"negative rate", "FAILSAFE_RESTART_RATE", "-1"},
		{"negative cooldown", "FAILSAFE_RESTART_COOLDOWN", "-1s"},
		{"fractional size", "CORE_RAM_QUOTA", "1.5M"},
		{"empty program", "FAILSAFE_PROGRAM", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "1.0 MiB", ByteSize(1<<20).String())
	assert.Equal(t, "2.0 KiB", ByteSize(2048).String())
}
