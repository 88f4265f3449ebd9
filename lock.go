package modbusclient

import "sync"

// reentrantLock is a mutex its current owner may acquire again. Goroutines
// have no identity, so the owner is an explicit token; each lock by the
// owner must be matched by one unlock.
type reentrantLock struct {
	mu    sync.Mutex
	free  *sync.Cond
	owner interface{}
	depth int
}

func newReentrantLock() *reentrantLock {
	l := &reentrantLock{}
	l.free = sync.NewCond(&l.mu)
	return l
}

// lock blocks until the lock is free or already held by owner.
func (l *reentrantLock) lock(owner interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.depth > 0 && l.owner != owner {
		l.free.Wait()
	}
	l.owner = owner
	l.depth++
}

// unlock releases one level held by owner.
func (l *reentrantLock) unlock(owner interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 || l.owner != owner {
		panic("modbusclient: unlock of execution lock not held by caller")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.free.Signal()
	}
}

// heldBy returns the nesting depth owner currently holds.
func (l *reentrantLock) heldBy(owner interface{}) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != owner {
		return 0
	}
	return l.depth
}
