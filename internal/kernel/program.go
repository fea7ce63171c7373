package kernel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrDuplicateProgram = errors.New("program already registered")

// Default image layout of a loaded program.
const (
	TextBase  uint64 = 0x0100_0000
	StackBase uint64 = 0x4000_0000

	DefaultTextSize  uint64 = 64 << 10
	DefaultStackSize uint64 = 16 << 10
)

// Env is what a running program sees of its surroundings.
type Env interface {
	// Label identifies the component, nested labels joined by " -> ".
	Label() string
	// Log writes a line through the component's LOG session.
	Log(msg string)
	// Touch accesses addr. An unresolved access faults and never returns.
	Touch(addr uint64)
	// Rom returns a read-only module.
	Rom(name string) ([]byte, error)
	// Spawn starts a nested child with quota bytes of this component's
	// budget.
	Spawn(name, binary string, quota uint64) error
	// Session opens a session routed by the component's policy.
	Session(service, args string) (Session, error)
	// Available returns the unspent budget.
	Available() uint64
	// Done is closed when the component is torn down.
	Done() <-chan struct{}
}

// Program is an executable image.
type Program struct {
	Name  string
	Text  uint64
	Stack uint64
	Main  func(Env)
}

// Footprint returns the bytes charged for loading the program.
func (p Program) Footprint() uint64 {
	return p.Text + p.Stack
}

// Programs maps binary names to programs.
type Programs struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewPrograms creates a registry holding programs.
func NewPrograms(programs ...Program) *Programs {
	p := &Programs{programs: make(map[string]Program)}
	for _, prog := range programs {
		_ = p.Register(prog)
	}
	return p
}

// Register adds prog. Missing image sizes get the defaults.
func (p *Programs) Register(prog Program) error {
	if prog.Text == 0 {
		prog.Text = DefaultTextSize
	}
	if prog.Stack == 0 {
		prog.Stack = DefaultStackSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.programs[prog.Name]; exists {
		return fmt.Errorf("register %s: %w", prog.Name, ErrDuplicateProgram)
	}
	p.programs[prog.Name] = prog
	return nil
}

// Lookup returns the program registered as name.
func (p *Programs) Lookup(name string) (Program, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prog, ok := p.programs[name]
	if !ok {
		return Program{}, fmt.Errorf("load %q: %w", name, ErrNoSuchBinary)
	}
	return prog, nil
}

// Names lists the registered programs.
func (p *Programs) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.programs))
	for name := range p.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
