package worker

import "sync"

// Notified is a boolean whose changes wake waiters.
type Notified struct {
	mu   sync.Mutex
	cond *sync.Cond
	v    bool
}

func NewNotified(v bool) *Notified {
	n := &Notified{v: v}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *Notified) Set(v bool) {
	n.mu.Lock()
	n.v = v
	n.mu.Unlock()
	n.cond.Broadcast()
}

func (n *Notified) Get() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.v
}

// Wait blocks until the value equals v.
func (n *Notified) Wait(v bool) {
	n.mu.Lock()
	for n.v != v {
		n.cond.Wait()
	}
	n.mu.Unlock()
}
