// Package id generates the identifiers carried by capabilities.
//
// Identifiers are ULIDs prefixed by the kind of object they name:
//   - Sortable: minting order is visible in logs
//   - Prefixed: "ram_01H...", "cpu_01H..." make capability dumps readable
//   - Unforgeable in practice: 80 bits of crypto/rand entropy per identifier
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CapID identifies the object a capability refers to.
type CapID string

// Prefixes for the object kinds minted by core.
const (
	MemoryPrefix    = "ram"
	ExecutionPrefix = "cpu"
	EndpointPrefix  = "ep"
	RegionMapPrefix = "rm"
	SessionPrefix   = "sess"
	SignalPrefix    = "sig"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by monotonic crypto/rand entropy.
// Identifiers minted within the same millisecond still sort in minting order.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewCapID mints a capability identifier for an object of the given prefix.
func NewCapID(prefix string) CapID {
	return CapID(Default().GenerateWithPrefix(prefix))
}

func (c CapID) String() string { return string(c) }

// Prefix returns the kind prefix of the identifier, or "" if it has none.
func (c CapID) Prefix() string {
	prefix, _, ok := strings.Cut(string(c), "_")
	if !ok {
		return ""
	}
	return prefix
}

// IsValid reports whether the identifier is a prefixed ULID.
func (c CapID) IsValid() bool {
	_, raw, ok := strings.Cut(string(c), "_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(raw)
	return err == nil
}

// Timestamp extracts the minting time from an identifier.
func (c CapID) Timestamp() (time.Time, error) {
	_, raw, ok := strings.Cut(string(c), "_")
	if !ok {
		return time.Time{}, fmt.Errorf("identifier %q has no prefix", c)
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
