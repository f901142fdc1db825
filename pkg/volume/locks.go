package volume

import (
	"sync"

	"github.com/google/uuid"
)

// Locks hands out one mutex per volume uuid. Snapshot changes and the
// mount manager's "is this subvolume in use" check take the same lock.
type Locks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// Lock acquires the lock for id and returns its release function.
func (l *Locks) Lock(id uuid.UUID) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
