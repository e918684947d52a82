// Package portalloc allocates non-conflicting local TCP ports.
package portalloc

import (
	"fmt"
	"net"

	"github.com/muxtun/muxtun/internal/util"
)

// Prober reports whether a local TCP port is currently free. The default
// prober attempts a wildcard bind, which fails for any port held by a
// listener on any interface.
type Prober func(port uint16) bool

func listenProbe(port uint16) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Allocator hands out the lowest free local port at or above a floor.
// Deterministic lowest-available policy, no randomization: predictable port
// sequencing lets the user map ports to remote sockets mentally when several
// sockets are forwarded together.
type Allocator struct {
	free Prober
}

func New() *Allocator {
	return &Allocator{free: listenProbe}
}

// NewWithProbe creates an allocator with a custom probe, for tests.
func NewWithProbe(p Prober) *Allocator {
	return &Allocator{free: p}
}

// Free reports whether the port is currently unbound.
func (a *Allocator) Free(port uint16) bool {
	return a.free(port)
}

// NextFree returns the smallest free port >= start. Live socket state is
// probed per candidate at call time, so batch allocations that resume from
// previous+1 still observe ports bound by concurrent processes mid-batch.
func (a *Allocator) NextFree(start uint16) (uint16, error) {
	if start == 0 {
		start = util.MinPort
	}
	for p := int(start); p <= util.MaxPort; p++ {
		if a.free(uint16(p)) {
			return uint16(p), nil
		}
	}
	return 0, fmt.Errorf("no free local port at or above %d", start)
}
