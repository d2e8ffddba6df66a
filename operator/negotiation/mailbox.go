package negotiation

import "sync"

// mailbox is the unbounded event queue of a session loop. Posting never
// blocks, so engine and relay callbacks cannot stall on the loop.
type mailbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.notEmpty = sync.NewCond(&mb.mu)
	return mb
}

// Post appends ev. It returns false once the mailbox is closed.
func (mb *mailbox) Post(ev event) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}
	mb.events = append(mb.events, ev)
	mb.notEmpty.Signal()
	return true
}

// Next blocks until an event is available or the mailbox is closed.
func (mb *mailbox) Next() (event, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.events) == 0 && !mb.closed {
		mb.notEmpty.Wait()
	}
	if mb.closed {
		return event{}, false
	}
	ev := mb.events[0]
	mb.events[0] = event{}
	mb.events = mb.events[1:]
	return ev, true
}

// Close rejects further posts and returns the events that were never
// delivered.
func (mb *mailbox) Close() []event {
	mb.mu.Lock()
	leftovers := mb.events
	mb.events = nil
	mb.closed = true
	mb.mu.Unlock()
	mb.notEmpty.Broadcast()
	return leftovers
}
