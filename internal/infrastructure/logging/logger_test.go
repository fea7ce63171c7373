package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"chatty", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failsafe.log")
	logger, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Component("child", zap.String("label", "init -> test-segfault")).Info("child faulted")
	logger.Debug("dropped")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"message":"child faulted"`)
	assert.Contains(t, out, `"logger":"child"`)
	assert.Contains(t, out, `"label":"init -> test-segfault"`)
	assert.NotContains(t, out, "dropped")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "nope"})
	assert.Error(t, err)
}

func TestDevelopmentWritesConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failsafe.log")
	logger, err := New(Config{Level: "debug", Development: true, OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("verbose")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "verbose")
	assert.NotContains(t, string(data), `"message"`)
}

func TestScenarioStampsField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failsafe.log")
	logger, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Scenario("loader-grandchild").Info("subject faulted", zap.Int("iteration", 2))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"logger":"failsafe"`)
	assert.Contains(t, out, `"`+ScenarioKey+`":"loader-grandchild"`)
	assert.Contains(t, out, `"iteration":2`)
}
