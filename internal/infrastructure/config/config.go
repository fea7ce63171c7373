package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/args"
)

// Config holds all application configuration.
type Config struct {
	Core     CoreConfig
	Failsafe FailsafeConfig
	Logging  LogConfig
}

// CoreConfig holds the resources of the simulated core.
type CoreConfig struct {
	RAMQuota    ByteSize `envconfig:"CORE_RAM_QUOTA" default:"64M"`
	VMRangeBase uint64   `envconfig:"CORE_VM_RANGE_BASE" default:"2147483648"`
	VMRangeSize ByteSize `envconfig:"CORE_VM_RANGE_SIZE" default:"16M"`
}

// FailsafeConfig holds control loop configuration.
type FailsafeConfig struct {
	Iterations            int           `envconfig:"FAILSAFE_ITERATIONS" default:"5"`
	Program               string        `envconfig:"FAILSAFE_PROGRAM" default:"test-segfault"`
	ChildQuota            ByteSize      `envconfig:"FAILSAFE_CHILD_QUOTA" default:"1M"`
	LoaderQuota           ByteSize      `envconfig:"FAILSAFE_LOADER_QUOTA" default:"1M"`
	GrandchildLoaderQuota ByteSize      `envconfig:"FAILSAFE_GRANDCHILD_LOADER_QUOTA" default:"2024K"`
	GrandchildQuota       ByteSize      `envconfig:"FAILSAFE_GRANDCHILD_QUOTA" default:"10M"`
	RestartRate           float64       `envconfig:"FAILSAFE_RESTART_RATE" default:"50"`
	RestartBurst          int           `envconfig:"FAILSAFE_RESTART_BURST" default:"1"`
	MaxStartFailures      uint32        `envconfig:"FAILSAFE_MAX_START_FAILURES" default:"3"`
	RestartCooldown       time.Duration `envconfig:"FAILSAFE_RESTART_COOLDOWN" default:"0s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// ByteSize is a size in bytes written as a plain number or with a K, M or G
// suffix.
type ByteSize uint64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := args.ParseSize(value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Bytes returns the size as a byte count.
func (b ByteSize) Bytes() uint64 {
	return uint64(b)
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Validate checks that the values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Failsafe.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be positive, got %d", c.Failsafe.Iterations))
	}
	if c.Failsafe.RestartRate <= 0 {
		errs = append(errs, fmt.Errorf("restart rate must be positive, got %v", c.Failsafe.RestartRate))
	}
	if c.Failsafe.RestartBurst <= 0 {
		errs = append(errs, fmt.Errorf("restart burst must be positive, got %d", c.Failsafe.RestartBurst))
	}
	if c.Failsafe.RestartCooldown < 0 {
		errs = append(errs, fmt.Errorf("restart cooldown must not be negative, got %s", c.Failsafe.RestartCooldown))
	}
	if c.Failsafe.Program == "" {
		errs = append(errs, errors.New("program must not be empty"))
	}
	if c.Core.RAMQuota == 0 {
		errs = append(errs, errors.New("core RAM quota must not be zero"))
	}
	return errors.Join(errs...)
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			RAMQuota:    64 << 20,
			VMRangeBase: 0x8000_0000,
			VMRangeSize: 16 << 20,
		},
		Failsafe: FailsafeConfig{
			Iterations:            5,
			Program:               "test-segfault",
			ChildQuota:            1 << 20,
			LoaderQuota:           1 << 20,
			GrandchildLoaderQuota: 2024 << 10,
			GrandchildQuota:       10 << 20,
			RestartRate:           50,
			RestartBurst:          1,
			MaxStartFailures:      3,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
