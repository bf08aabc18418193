package engine

import "sync"

// entityLocks serializes mutating operations per entity id so the atomic
// write section of one command never interleaves with another command on
// the same entity. Reads are not gated.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the entity's lock is held and returns the release
// function.
func (l *entityLocks) acquire(entityID string) func() {
	l.mu.Lock()
	m, ok := l.locks[entityID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[entityID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// forget drops the lock entry for a deleted entity.
func (l *entityLocks) forget(entityID string) {
	l.mu.Lock()
	delete(l.locks, entityID)
	l.mu.Unlock()
}
