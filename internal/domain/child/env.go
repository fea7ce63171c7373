package child

import (
	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
)

// env is the kernel.Env of a child's main thread.
type env struct {
	c *Child
}

func (e *env) Label() string {
	return e.c.label
}

// Log writes through a LOG session opened on first use. Without one the
// line goes to the supervisor's logger.
func (e *env) Log(msg string) {
	c := e.c
	c.mu.Lock()
	w := c.log
	c.mu.Unlock()

	if w == nil {
		s, err := c.openSession(kernel.LogServiceName, "")
		if err == nil {
			if lw, ok := s.(kernel.LogWriter); ok {
				w = lw
				c.mu.Lock()
				c.log = lw
				c.mu.Unlock()
			}
		}
	}
	if w == nil {
		c.logger.Info(msg)
		return
	}
	w.Write(msg)
}

func (e *env) Touch(addr uint64) {
	c := e.c
	if f, err := c.rm.Access(c.thread.Name(), addr); err != nil {
		c.logger.Debug("thread stalled on fault", zap.Stringer("fault", f))
		c.thread.Stall(f)
	}
}

func (e *env) Rom(name string) ([]byte, error) {
	return e.c.rom.Module(name)
}

func (e *env) Spawn(name, binary string, quota uint64) error {
	return e.c.spawn(name, binary, quota)
}

func (e *env) Session(service, sessionArgs string) (kernel.Session, error) {
	return e.c.openSession(service, sessionArgs)
}

func (e *env) Available() uint64 {
	return e.c.account.Available()
}

func (e *env) Done() <-chan struct{} {
	return e.c.thread.Killed()
}
