package kernel

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/args"
)

// Built-in program names.
const (
	SegfaultProgram  = "test-segfault"
	ExceptionProgram = "test-exception"
	InitProgram      = "init"
	IdleProgram      = "idle"
)

// ConfigModule is the ROM module init reads its configuration from.
const ConfigModule = "config"

// Builtins returns a registry with the built-in programs.
func Builtins() *Programs {
	return NewPrograms(
		Program{Name: SegfaultProgram, Main: testSegfault},
		Program{Name: ExceptionProgram, Main: testException},
		Program{Name: InitProgram, Main: initMain},
		Program{Name: IdleProgram, Main: idle},
	)
}

func testSegfault(env Env) {
	env.Log("going to produce a segfault...")
	env.Touch(0)
	env.Log("segfault did not happen")
}

func testException(env Env) {
	env.Log("going to raise an exception...")
	panic("deliberate exception")
}

func idle(env Env) {
	<-env.Done()
}

// InitConfig is the configuration of the init program.
type InitConfig struct {
	ParentProvides []string     `yaml:"parent-provides"`
	Start          []StartEntry `yaml:"start"`
}

// StartEntry describes one child of init.
type StartEntry struct {
	Name   string `yaml:"name"`
	Binary string `yaml:"binary"`
	RAM    string `yaml:"ram"`
}

// BinaryName returns the binary to load, the entry name by default.
func (e StartEntry) BinaryName() string {
	if e.Binary != "" {
		return e.Binary
	}
	return e.Name
}

// Quota parses the ram attribute.
func (e StartEntry) Quota() (uint64, error) {
	if e.RAM == "" {
		return 0, nil
	}
	return args.ParseSize(e.RAM)
}

// ParseInitConfig decodes and validates an init configuration.
func ParseInitConfig(data []byte) (InitConfig, error) {
	var cfg InitConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return InitConfig{}, fmt.Errorf("failed to parse init config: %w", err)
	}
	for i, entry := range cfg.Start {
		if entry.Name == "" {
			return InitConfig{}, fmt.Errorf("start entry %d has no name", i)
		}
		if _, err := entry.Quota(); err != nil {
			return InitConfig{}, fmt.Errorf("start entry %s: %w", entry.Name, err)
		}
	}
	return cfg, nil
}

// MarshalInitConfig encodes cfg for use as a config ROM module.
func MarshalInitConfig(cfg InitConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func initMain(env Env) {
	data, err := env.Rom(ConfigModule)
	if err != nil {
		env.Log(fmt.Sprintf("no config: %v", err))
		<-env.Done()
		return
	}
	cfg, err := ParseInitConfig(data)
	if err != nil {
		env.Log(err.Error())
		<-env.Done()
		return
	}

	for _, entry := range cfg.Start {
		quota, _ := entry.Quota()
		if avail := env.Available(); quota > avail {
			env.Log(fmt.Sprintf("%s: requested %s, clamping to %s",
				entry.Name, humanize.IBytes(quota), humanize.IBytes(avail)))
			quota = avail
		}
		if err := env.Spawn(entry.Name, entry.BinaryName(), quota); err != nil {
			env.Log(fmt.Sprintf("%s: start failed: %v", entry.Name, err))
		}
	}
	<-env.Done()
}
