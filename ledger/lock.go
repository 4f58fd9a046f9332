package ledger

import "sync"

// noteLocks is a keyed mutex: one exclusive lock per credit note, created
// on demand and dropped when nobody holds or waits for it.
type noteLocks struct {
	mu    sync.Mutex
	locks map[CreditNoteID]*noteLock
}

type noteLock struct {
	mu   sync.Mutex
	refs int
}

func newNoteLocks() *noteLocks {
	return &noteLocks{locks: make(map[CreditNoteID]*noteLock)}
}

// Lock blocks until the note's lock is held and returns its release func.
func (l *noteLocks) Lock(id CreditNoteID) func() {
	l.mu.Lock()
	nl, ok := l.locks[id]
	if !ok {
		nl = &noteLock{}
		l.locks[id] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()

	return func() {
		nl.mu.Unlock()

		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// held returns how many callers hold or wait on a note's lock.
func (l *noteLocks) held(id CreditNoteID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if nl, ok := l.locks[id]; ok {
		return nl.refs
	}
	return 0
}
