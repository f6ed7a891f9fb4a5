package backendsdk

import "sync"

// Subscription is a handle on a session-change registration.
type Subscription struct {
	id int
	n  *notifier
}

// Unsubscribe stops delivery to this subscription's callback. It is safe to
// call more than once, including from inside a callback.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.n == nil {
		return
	}
	s.n.unsubscribe(s.id)
}

// notifier fans session-change events out to subscribers. deliverMu is held
// for the whole fan-out, so events never interleave and each subscriber
// observes the stream in emit order. The registry lock is separate so that
// callbacks may subscribe or unsubscribe without deadlocking delivery.
type notifier struct {
	deliverMu sync.Mutex

	mu     sync.Mutex
	nextID int
	subs   map[int]func(event string, session *Session)
	order  []int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]func(string, *Session))}
}

func (n *notifier) subscribe(fn func(event string, session *Session)) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	n.order = append(n.order, id)
	return &Subscription{id: id, n: n}
}

func (n *notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.subs, id)
	for i, sid := range n.order {
		if sid == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (n *notifier) emit(event string, session *Session) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	ids := make([]int, len(n.order))
	copy(ids, n.order)
	n.mu.Unlock()

	for _, id := range ids {
		n.mu.Lock()
		fn, ok := n.subs[id]
		n.mu.Unlock()
		// Skip subscribers that unsubscribed mid-delivery.
		if ok {
			fn(event, session.clone())
		}
	}
}
