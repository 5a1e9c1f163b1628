// Package ports assigns backend ports to isolated workflow runs.
//
// Allocation is deterministic: a run id hashes to a first-choice slot in a
// small fixed pool, so repeated invocations of the same run converge on
// the same port without any coordination. A live TCP bind probe with a
// linear scan over the pool resolves collisions between concurrent runs.
// This is a coarse, non-leasing scheme: a port observed bindable at
// allocation time is assumed to stay free for as long as it is needed,
// which holds as long as the pool size exceeds expected concurrency.
package ports

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
)

// ErrNoPortAvailable indicates the entire pool was probed without finding
// a bindable port.
var ErrNoPortAvailable = errors.New("no available port in the allocated range")

// Allocator assigns ports out of the fixed pool
// [Base, Base+PoolSize).
type Allocator struct {
	Base     int
	PoolSize int
}

// NewAllocator creates an allocator for the given pool.
func NewAllocator(base, poolSize int) *Allocator {
	return &Allocator{Base: base, PoolSize: poolSize}
}

// DeterministicPort returns the first-choice port for a run id: the first
// 8 alphanumeric characters interpreted as a base-36 integer, reduced
// modulo the pool size. Pure function of the run id, stable across calls
// and across processes. Degenerate ids (no parseable alphanumeric prefix)
// fall back to an FNV hash rather than failing.
func (a *Allocator) DeterministicPort(runID string) int {
	return a.Base + a.slotFor(runID)
}

func (a *Allocator) slotFor(runID string) int {
	var b strings.Builder
	for _, r := range runID {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}

	if b.Len() > 0 {
		if n, err := strconv.ParseInt(strings.ToLower(b.String()), 36, 64); err == nil {
			return int(n % int64(a.PoolSize))
		}
	}

	h := fnv.New32a()
	h.Write([]byte(runID))
	return int(h.Sum32() % uint32(a.PoolSize))
}

// FindAvailable scans the pool starting at the run's deterministic slot,
// wrapping, probing each candidate with a local TCP bind, and returns the
// first port that binds. maxAttempts caps how many slots are probed; zero
// or negative means the whole pool. Returns ErrNoPortAvailable when every
// probed slot is occupied.
func (a *Allocator) FindAvailable(runID string, maxAttempts int) (int, error) {
	if maxAttempts <= 0 || maxAttempts > a.PoolSize {
		maxAttempts = a.PoolSize
	}

	start := a.slotFor(runID)
	for offset := 0; offset < maxAttempts; offset++ {
		port := a.Base + (start+offset)%a.PoolSize
		if portAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: probed %d slots from port %d", ErrNoPortAvailable, maxAttempts, a.Base+start)
}

func portAvailable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
