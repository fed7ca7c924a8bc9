package sync

import "sync"

// slugLocks is an in-process advisory lock per package slug. A fetch
// that cannot take the lock must back off instead of queueing, so a
// burst of webhook deliveries runs at most one pipeline per slug.
type slugLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newSlugLocks() *slugLocks {
	return &slugLocks{held: map[string]bool{}}
}

// TryLock attempts to take the slug's lock without blocking.
func (l *slugLocks) TryLock(slug string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[slug] {
		return false
	}
	l.held[slug] = true
	return true
}

func (l *slugLocks) Unlock(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, slug)
}
