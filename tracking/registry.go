package tracking

import (
	"sort"
	"sync"
	"sync/atomic"
)

type subscription struct {
	id          string
	seq         uint64
	bookingID   int64
	destination string
	onMessage   func(Envelope)

	// mu is held for the whole of a callback so cancellation can wait one out.
	mu         sync.Mutex
	inert      atomic.Bool
	inCallback atomic.Bool
}

func newSubscription(bookingID int64, onMessage func(Envelope)) *subscription {
	return &subscription{
		id:          generateID(),
		seq:         nextSeq(),
		bookingID:   bookingID,
		destination: TopicDestination(bookingID),
		onMessage:   onMessage,
	}
}

// deliver runs the callback unless the subscription has been made inert.
func (s *subscription) deliver(env Envelope) bool {
	if s.inert.Load() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inert.Load() {
		return false
	}

	s.inCallback.Store(true)
	defer s.inCallback.Store(false)

	s.onMessage(env)
	return true
}

// deactivate makes the subscription inert so no callback starts after it
// returns. A callback that is already running is not waited for, which lets
// a callback cancel its own subscription. It reports whether this call did
// the deactivation.
func (s *subscription) deactivate() bool {
	if !s.inert.CompareAndSwap(false, true) {
		return false
	}

	if !s.inCallback.Load() {
		// Wait out a delivery that passed the inert check.
		s.mu.Lock()
		s.mu.Unlock()
	}

	return true
}

// registry tracks subscriptions waiting for a connection and those attached
// to the live session. It is guarded by the owning Client's mutex.
type registry struct {
	pending  []*subscription
	attached map[string]*subscription
}

func newRegistry() *registry {
	return &registry{
		attached: make(map[string]*subscription),
	}
}

func (r *registry) enqueue(sub *subscription) {
	r.pending = append(r.pending, sub)
}

// drain empties the pending queue, returning it in request order.
func (r *registry) drain() []*subscription {
	subs := r.pending
	r.pending = nil
	return subs
}

func (r *registry) attach(sub *subscription) {
	r.attached[sub.id] = sub
}

func (r *registry) lookup(id string) *subscription {
	return r.attached[id]
}

func (r *registry) detach(id string) *subscription {
	sub, ok := r.attached[id]
	if !ok {
		return nil
	}
	delete(r.attached, id)
	return sub
}

func (r *registry) removePending(sub *subscription) bool {
	for i, p := range r.pending {
		if p == sub {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// requeue returns sub to the pending queue, keeping it in request order.
func (r *registry) requeue(sub *subscription) {
	i := sort.Search(len(r.pending), func(i int) bool { return r.pending[i].seq > sub.seq })
	r.pending = append(r.pending, nil)
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = sub
}

// unattach moves sub from attached back to pending. It reports false if sub
// is no longer attached, for example because it was cancelled.
func (r *registry) unattach(sub *subscription) bool {
	if r.attached[sub.id] != sub {
		return false
	}
	delete(r.attached, sub.id)
	r.requeue(sub)
	return true
}

// detachAll forgets every attached subscription after the session is lost.
// With requeue set they are merged back into the pending queue, which stays
// in request order.
func (r *registry) detachAll(requeue bool) []*subscription {
	subs := make([]*subscription, 0, len(r.attached))
	for _, sub := range r.attached {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	r.attached = make(map[string]*subscription)
	if requeue {
		r.pending = append(append(make([]*subscription, 0, len(subs)+len(r.pending)), subs...), r.pending...)
		sort.SliceStable(r.pending, func(i, j int) bool { return r.pending[i].seq < r.pending[j].seq })
	}
	return subs
}

// reset forgets everything, pending and attached.
func (r *registry) reset() []*subscription {
	subs := r.detachAll(false)
	subs = append(subs, r.pending...)
	r.pending = nil
	return subs
}

func (r *registry) count() int {
	return len(r.pending) + len(r.attached)
}
