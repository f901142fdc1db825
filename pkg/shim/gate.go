package shim

import (
	"context"
	"sync"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// Gate admits callbacks while its session is mounted and lets unmount
// wait for the callbacks already running.
type Gate struct {
	mu     sync.Mutex
	closed bool
	active int
	idle   chan struct{}
}

func NewGate() *Gate {
	return &Gate{}
}

// Enter admits one callback. The returned func must be called when the
// callback finishes.
func (g *Gate) Enter() (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, btrfs.NewError(btrfs.ErrCodeNotMounted, "dispatch", "", errUnmounting)
	}
	g.active++
	var once sync.Once
	return func() { once.Do(g.exit) }, nil
}

func (g *Gate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if g.active == 0 && g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
}

// Active returns the number of callbacks in flight.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Drain stops admitting callbacks and waits for the running ones. When
// ctx ends first it returns SessionBusy and the gate stays closed.
func (g *Gate) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	if g.active == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.idle == nil {
		g.idle = make(chan struct{})
	}
	idle := g.idle
	n := g.active
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return btrfs.NewError(btrfs.ErrCodeSessionBusy, "drain", "", errInFlight(n))
	}
}

// Reopen admits callbacks again after a failed unmount.
func (g *Gate) Reopen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = false
}
