// Package capability implements unforgeable handles to server-side objects.
//
// A Cap is a small value: an identifier plus the kind of object it refers
// to. Copying a Cap never transfers ownership; the component that minted it
// owns the object and revokes the Cap when the object is destroyed. Objects
// are reached only through a Space, so a revoked Cap can no longer reach
// anything.
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/id"
)

var (
	ErrInvalidCapability = errors.New("invalid capability")
	ErrKindMismatch      = errors.New("capability kind mismatch")
)

// Kind is the rights tag of a capability.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindMemory
	KindExecution
	KindEndpoint
	KindRegionMap
	KindSession
	KindSignalContext
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindExecution:
		return "execution"
	case KindEndpoint:
		return "endpoint"
	case KindRegionMap:
		return "region-map"
	case KindSession:
		return "session"
	case KindSignalContext:
		return "signal-context"
	default:
		return "invalid"
	}
}

func (k Kind) prefix() string {
	switch k {
	case KindMemory:
		return id.MemoryPrefix
	case KindExecution:
		return id.ExecutionPrefix
	case KindEndpoint:
		return id.EndpointPrefix
	case KindRegionMap:
		return id.RegionMapPrefix
	case KindSession:
		return id.SessionPrefix
	case KindSignalContext:
		return id.SignalPrefix
	default:
		return "inv"
	}
}

// Cap is a handle to an object in a Space. The zero value is invalid.
type Cap struct {
	id   id.CapID
	kind Kind
}

// ID returns the identifier of the referenced object.
func (c Cap) ID() id.CapID { return c.id }

// Kind returns the rights tag.
func (c Cap) Kind() Kind { return c.kind }

// Valid reports whether the handle was minted. It does not tell whether
// the object still exists; only the minting Space knows that.
func (c Cap) Valid() bool { return c.kind != KindInvalid && c.id != "" }

func (c Cap) String() string {
	if !c.Valid() {
		return "cap(invalid)"
	}
	return fmt.Sprintf("cap(%s %s)", c.kind, c.id)
}

type entry struct {
	kind   Kind
	object any
}

// Space maps capabilities to the objects they refer to.
type Space struct {
	mu      sync.RWMutex
	objects map[id.CapID]entry
}

// NewSpace creates an empty capability space.
func NewSpace() *Space {
	return &Space{
		objects: make(map[id.CapID]entry),
	}
}

// Mint registers object and returns a fresh capability of the given kind.
func (s *Space) Mint(kind Kind, object any) Cap {
	c := Cap{id: id.NewCapID(kind.prefix()), kind: kind}

	s.mu.Lock()
	s.objects[c.id] = entry{kind: kind, object: object}
	s.mu.Unlock()

	return c
}

// Revoke removes the object behind c. Revoking an unknown capability
// returns ErrInvalidCapability.
func (s *Space) Revoke(c Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.objects[c.id]
	if !ok || e.kind != c.kind {
		return fmt.Errorf("revoke %s: %w", c, ErrInvalidCapability)
	}
	delete(s.objects, c.id)
	return nil
}

// Contains reports whether c still refers to a live object.
func (s *Space) Contains(c Cap) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.objects[c.id]
	return ok && e.kind == c.kind
}

// Len returns the number of live capabilities.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Lookup resolves c to its object. It fails with ErrInvalidCapability for
// revoked or never-minted handles and ErrKindMismatch if the object is not
// a T.
func Lookup[T any](s *Space, c Cap) (T, error) {
	var zero T

	s.mu.RLock()
	e, ok := s.objects[c.id]
	s.mu.RUnlock()

	if !ok || e.kind != c.kind {
		return zero, fmt.Errorf("lookup %s: %w", c, ErrInvalidCapability)
	}
	object, ok := e.object.(T)
	if !ok {
		return zero, fmt.Errorf("lookup %s: object is %T: %w", c, e.object, ErrKindMismatch)
	}
	return object, nil
}

// MustLookup is Lookup for callers holding a capability they minted
// themselves. Using an invalid capability there is a programming error.
func MustLookup[T any](s *Space, c Cap) T {
	object, err := Lookup[T](s, c)
	if err != nil {
		panic(err)
	}
	return object
}
