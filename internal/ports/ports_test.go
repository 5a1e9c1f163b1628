package ports

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicPortIsStable(t *testing.T) {
	a := NewAllocator(9100, 15)

	first := a.DeterministicPort("abc12345")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.DeterministicPort("abc12345"))
	}

	// A fresh allocator (standing in for a separate process) agrees.
	b := NewAllocator(9100, 15)
	assert.Equal(t, first, b.DeterministicPort("abc12345"))
}

func TestDeterministicPortInPool(t *testing.T) {
	a := NewAllocator(9100, 15)

	ids := []string{"abc12345", "00000000", "zzzzzzzz", "a", "", "run-id-with-hyphens", "UPPER123"}
	for _, id := range ids {
		port := a.DeterministicPort(id)
		assert.GreaterOrEqual(t, port, 9100, "id %q", id)
		assert.Less(t, port, 9115, "id %q", id)
	}
}

func TestDeterministicPortDegenerateID(t *testing.T) {
	a := NewAllocator(9100, 15)

	// No alphanumeric characters at all: hash fallback, still stable.
	port := a.DeterministicPort("====")
	assert.Equal(t, port, a.DeterministicPort("===="))
	assert.GreaterOrEqual(t, port, 9100)
	assert.Less(t, port, 9115)
}

func TestFindAvailablePoolBound(t *testing.T) {
	a := NewAllocator(9100, 15)

	port, err := a.FindAvailable("abc12345", 15)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 9100)
	assert.Less(t, port, 9115)
}

func TestFindAvailableSkipsOccupied(t *testing.T) {
	a := NewAllocator(9100, 15)

	first := a.DeterministicPort("abc12345")
	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", first))
	if err != nil {
		t.Skipf("could not occupy port %d: %v", first, err)
	}
	defer l.Close()

	port, err := a.FindAvailable("abc12345", 15)
	require.NoError(t, err)
	assert.NotEqual(t, first, port)
	assert.GreaterOrEqual(t, port, 9100)
	assert.Less(t, port, 9115)
}

func TestFindAvailableExhausted(t *testing.T) {
	// Occupy a private two-slot pool completely.
	a := NewAllocator(9180, 2)

	var listeners []net.Listener
	for p := 9180; p < 9182; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", p))
		if err != nil {
			t.Skipf("could not occupy port %d: %v", p, err)
		}
		listeners = append(listeners, l)
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	_, err := a.FindAvailable("abc12345", 2)
	require.ErrorIs(t, err, ErrNoPortAvailable)
}
