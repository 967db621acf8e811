package approval

import "sync"

// Inbox routes reviewer decisions to in-process waiters keyed by thread.
type Inbox struct {
	mu      sync.Mutex
	waiters map[string]chan string
	closed  bool
}

func NewInbox() *Inbox {
	return &Inbox{waiters: make(map[string]chan string)}
}

// Deliver hands feedback to the waiter for threadID. It reports false when
// nobody is waiting, in which case the caller should resume the thread instead.
func (i *Inbox) Deliver(threadID, feedback string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch, ok := i.waiters[threadID]
	if !ok {
		return false
	}
	select {
	case ch <- feedback:
		return true
	default:
		// a decision is already queued for this wait
		return true
	}
}

// Waiting reports whether a run is blocked on threadID.
func (i *Inbox) Waiting(threadID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.waiters[threadID]
	return ok
}

// Close wakes every waiter with no decision.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	for id, ch := range i.waiters {
		close(ch)
		delete(i.waiters, id)
	}
}

func (i *Inbox) wait(threadID string) (<-chan string, func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch := make(chan string, 1)
	if i.closed {
		close(ch)
		return ch, func() {}
	}
	if prev, ok := i.waiters[threadID]; ok {
		close(prev)
	}
	i.waiters[threadID] = ch
	return ch, func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if cur, ok := i.waiters[threadID]; ok && cur == ch {
			delete(i.waiters, threadID)
		}
	}
}
