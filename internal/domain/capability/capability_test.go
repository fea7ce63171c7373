package capability

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type region struct{ size uint64 }

func TestMintAndLookup(t *testing.T) {
	s := NewSpace()
	r := &region{size: 4096}

	c := s.Mint(KindRegionMap, r)
	require.True(t, c.Valid())
	assert.Equal(t, KindRegionMap, c.Kind())
	assert.True(t, strings.HasPrefix(c.ID().String(), "rm_"))

	got, err := Lookup[*region](s, c)
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, 1, s.Len())
}

func TestCopiesReferToSameObject(t *testing.T) {
	s := NewSpace()
	c := s.Mint(KindMemory, &region{size: 1})
	copied := c

	require.NoError(t, s.Revoke(c))
	assert.False(t, s.Contains(copied))

	_, err := Lookup[*region](s, copied)
	assert.ErrorIs(t, err, ErrInvalidCapability)
}

func TestRevokeTwice(t *testing.T) {
	s := NewSpace()
	c := s.Mint(KindSession, "session")

	require.NoError(t, s.Revoke(c))
	assert.ErrorIs(t, s.Revoke(c), ErrInvalidCapability)
	assert.Equal(t, 0, s.Len())
}

func TestZeroCapIsInvalid(t *testing.T) {
	s := NewSpace()
	var c Cap

	assert.False(t, c.Valid())
	assert.Equal(t, "cap(invalid)", c.String())
	_, err := Lookup[string](s, c)
	assert.ErrorIs(t, err, ErrInvalidCapability)
	assert.Panics(t, func() { MustLookup[string](s, c) })
}

func TestLookupWrongType(t *testing.T) {
	s := NewSpace()
	c := s.Mint(KindExecution, &region{})

	_, err := Lookup[string](s, c)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestForgedKindDoesNotResolve(t *testing.T) {
	s := NewSpace()
	c := s.Mint(KindMemory, &region{})
	forged := Cap{id: c.ID(), kind: KindExecution}

	assert.False(t, s.Contains(forged))
	assert.ErrorIs(t, s.Revoke(forged), ErrInvalidCapability)
	assert.True(t, s.Contains(c))
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindMemory, "memory"},
		{KindExecution, "execution"},
		{KindEndpoint, "endpoint"},
		{KindRegionMap, "region-map"},
		{KindSession, "session"},
		{KindSignalContext, "signal-context"},
		{KindInvalid, "invalid"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestConcurrentMintRevoke(t *testing.T) {
	s := NewSpace()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c := s.Mint(KindEndpoint, j)
				if _, err := Lookup[int](s, c); err != nil {
					t.Error(err)
					return
				}
				if err := s.Revoke(c); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, s.Len())
}
