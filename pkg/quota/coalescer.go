package quota

import "sort"

// Coalescer merges concurrent requests for the same key into a single
// piece of work.  It is not safe for concurrent use; the Manager only
// touches it from its own goroutine.
type Coalescer[K comparable, V any] struct {
	pending map[K]*pendingEntry[V]
	seq     uint64
}

type pendingEntry[V any] struct {
	seq     uint64
	waiters []func(V, error)
}

func NewCoalescer[K comparable, V any]() *Coalescer[K, V] {
	return &Coalescer[K, V]{pending: make(map[K]*pendingEntry[V])}
}

// Start registers waiter for key.  If no work is pending for key it calls
// work and returns true; otherwise waiter joins the pending work and Start
// returns false.
//
// work must eventually call done, possibly synchronously.  done delivers
// its result to every waiter in registration order.  Calls to done after
// the first, or after Abort, do nothing.
func (c *Coalescer[K, V]) Start(key K, work func(done func(V, error)), waiter func(V, error)) bool {
	if e, ok := c.pending[key]; ok {
		e.waiters = append(e.waiters, waiter)
		return false
	}
	c.seq++
	e := &pendingEntry[V]{seq: c.seq, waiters: []func(V, error){waiter}}
	c.pending[key] = e
	work(func(v V, err error) {
		if cur, ok := c.pending[key]; !ok || cur != e {
			return
		}
		delete(c.pending, key)
		for _, w := range e.waiters {
			w(v, err)
		}
	})
	return true
}

// Pending reports whether work is in flight for key.
func (c *Coalescer[K, V]) Pending(key K) bool {
	_, ok := c.pending[key]
	return ok
}

// Len returns the number of keys with work in flight.
func (c *Coalescer[K, V]) Len() int {
	return len(c.pending)
}

// Abort resolves every waiter of every pending key with err, oldest key
// first, and forgets all pending work.
func (c *Coalescer[K, V]) Abort(err error) {
	entries := make([]*pendingEntry[V], 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	c.pending = make(map[K]*pendingEntry[V])
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	var zero V
	for _, e := range entries {
		for _, w := range e.waiters {
			w(zero, err)
		}
	}
}
