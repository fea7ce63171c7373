package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ScenarioKey names the failsafe scenario a record belongs to.
const ScenarioKey = "scenario"

// Logger wraps zap.Logger with the supervisor's naming conventions.
type Logger struct {
	*zap.Logger
}

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	OutputPaths []string
}

// New builds a logger. Production loggers write JSON to stderr; development
// loggers write colored console lines and record stack traces on warnings.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig = jsonEncoderConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.OutputPaths = []string{"stderr"}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger}, nil
}

// Component returns a named child logger for a subsystem.
func (l *Logger) Component(name string, fields ...zap.Field) *zap.Logger {
	return l.Named(name).With(fields...)
}

// Scenario returns the logger of one failsafe loop and of the components
// it starts.
func (l *Logger) Scenario(name string) *zap.Logger {
	return l.Component("failsafe", zap.String(ScenarioKey, name))
}

func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.SecondsDurationEncoder
	return enc
}
