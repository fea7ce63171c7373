package kernel

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnresolvedFault = errors.New("unresolved page fault")
	ErrNoSuchBinary    = errors.New("no such binary")
	ErrNoSuchModule    = errors.New("no such ROM module")
	ErrSessionClosed   = errors.New("session is closed")
	ErrOverlap         = errors.New("region overlaps an attached region")
	ErrOutOfRange      = errors.New("address range exhausted")
)

// FaultKind distinguishes how a thread failed.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultException
	FaultPage
)

// String returns the string representation of the fault kind
func (k FaultKind) String() string {
	switch k {
	case FaultException:
		return "exception"
	case FaultPage:
		return "page-fault"
	default:
		return "none"
	}
}

// Fault records why a thread stopped.
type Fault struct {
	Kind   FaultKind
	Thread string
	Addr   uint64
	Reason string
	At     time.Time
}

func (f Fault) String() string {
	switch f.Kind {
	case FaultPage:
		return fmt.Sprintf("%s: %s at 0x%x", f.Thread, f.Kind, f.Addr)
	case FaultException:
		return fmt.Sprintf("%s: %s: %s", f.Thread, f.Kind, f.Reason)
	default:
		return f.Thread + ": no fault"
	}
}
