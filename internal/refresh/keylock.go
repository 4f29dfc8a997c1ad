package refresh

import "sync"

// keyedMutex serializes lifecycle operations (start, stop, release) per
// key without blocking other keys. Entries are dropped when unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[Key]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (km *keyedMutex) lock(k Key) (unlock func()) {
	km.mu.Lock()
	if km.m == nil {
		km.m = map[Key]*refMutex{}
	}
	rm := km.m[k]
	if rm == nil {
		rm = &refMutex{}
		km.m[k] = rm
	}
	rm.refs++
	km.mu.Unlock()

	rm.Lock()
	return func() {
		rm.Unlock()
		km.mu.Lock()
		rm.refs--
		if rm.refs == 0 {
			delete(km.m, k)
		}
		km.mu.Unlock()
	}
}
