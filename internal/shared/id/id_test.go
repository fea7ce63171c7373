package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
	if id1.Compare(id2) >= 0 {
		t.Error("IDs minted in sequence should sort in minting order")
	}
}

func TestNewCapIDPrefixes(t *testing.T) {
	tests := []struct {
		prefix string
	}{
		{MemoryPrefix},
		{ExecutionPrefix},
		{RegionMapPrefix},
		{SessionPrefix},
		{SignalPrefix},
	}

	for _, tt := range tests {
		capID := NewCapID(tt.prefix)

		if !strings.HasPrefix(capID.String(), tt.prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", tt.prefix, capID)
		}
		if capID.Prefix() != tt.prefix {
			t.Errorf("Prefix() = %q, want %q", capID.Prefix(), tt.prefix)
		}
		if !capID.IsValid() {
			t.Errorf("ID should be valid: %s", capID)
		}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    CapID
		valid bool
	}{
		{"minted", NewCapID(MemoryPrefix), true},
		{"empty", "", false},
		{"no prefix", CapID(NewGenerator().Generate().String()), false},
		{"garbage", "ram_not-a-ulid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.IsValid(); got != tt.valid {
				t.Errorf("IsValid(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	capID := NewCapID(SessionPrefix)

	ts, err := capID.Timestamp()
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("timestamp %v outside expected window", ts)
	}

	if _, err := CapID("bogus").Timestamp(); err == nil {
		t.Error("expected error for identifier without prefix")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[CapID]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				capID := NewCapID(ExecutionPrefix)
				mu.Lock()
				seen[capID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique IDs, got %d", workers*perWorker, len(seen))
	}
}
