package seam

import "sync"

// locker hands out one mutex per upload id so submissions sharing an id
// serialize from the duplicate-artifact guard through assembly, while
// submissions for different ids proceed independently. Entries are
// refcounted and dropped once unheld.
type locker struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the id's mutex is held and returns the release func.
func (l *locker) lock(id string) func() {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*lockEntry)
	}
	entry := l.held[id]
	if entry == nil {
		entry = new(lockEntry)
		l.held[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
