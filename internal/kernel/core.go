// Package kernel simulates the core services a supervisor drives when it
// builds a child: RAM and CPU sessions, region maps, ROM modules, the
// program registry and the LOG service.
//
// Everything runs in-process. A "thread" is a goroutine executing a
// registered program; a page fault is an access to an address no region of
// the thread's region map covers.
package kernel

import (
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/domain/capability"
)

// Core bundles the services shared by every component of one system.
type Core struct {
	caps     *capability.Space
	rom      *Rom
	programs *Programs
	log      *LogService
	logger   *zap.Logger
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger used by core services.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithRom replaces the global ROM registry.
func WithRom(rom *Rom) Option {
	return func(c *Core) {
		c.rom = rom
	}
}

// WithPrograms replaces the program registry. The default holds the
// built-in programs.
func WithPrograms(programs *Programs) Option {
	return func(c *Core) {
		c.programs = programs
	}
}

// WithCaps shares an existing capability space.
func WithCaps(caps *capability.Space) Option {
	return func(c *Core) {
		c.caps = caps
	}
}

// NewCore creates a core with the given options applied.
func NewCore(opts ...Option) *Core {
	c := &Core{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.caps == nil {
		c.caps = capability.NewSpace()
	}
	if c.rom == nil {
		c.rom = NewRom(nil)
	}
	if c.programs == nil {
		c.programs = Builtins()
	}
	c.log = NewLogService(c.logger.Named("log"))
	return c
}

// Caps returns the capability space.
func (c *Core) Caps() *capability.Space { return c.caps }

// Rom returns the global ROM registry.
func (c *Core) Rom() *Rom { return c.rom }

// Programs returns the program registry.
func (c *Core) Programs() *Programs { return c.programs }

// Log returns the LOG service.
func (c *Core) Log() *LogService { return c.log }

// Logger returns the core logger.
func (c *Core) Logger() *zap.Logger { return c.logger }
