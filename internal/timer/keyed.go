package timer

import "time"

// Keyed holds at most one pending timer per key. Resetting a key replaces
// its timer instead of stacking another.
//
// Fires are delivered through post so the callback runs on the same
// goroutine that calls Reset and Cancel. Keyed itself is not safe for
// concurrent use.
type Keyed[K comparable] struct {
	clock  Clock
	post   func(func())
	seq    uint64
	timers map[K]keyedEntry
}

type keyedEntry struct {
	timer Timer
	seq   uint64
}

// NewKeyed returns a Keyed driven by clock. A nil post runs fires inline on
// the clock's goroutine.
func NewKeyed[K comparable](clock Clock, post func(func())) *Keyed[K] {
	if clock == nil {
		clock = System()
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Keyed[K]{
		clock:  clock,
		post:   post,
		timers: make(map[K]keyedEntry),
	}
}

// Reset (re)arms key to run fn after d.
func (k *Keyed[K]) Reset(key K, d time.Duration, fn func()) {
	if e, ok := k.timers[key]; ok {
		e.timer.Stop()
	}
	k.seq++
	seq := k.seq
	t := k.clock.AfterFunc(d, func() {
		k.post(func() { k.fire(key, seq, fn) })
	})
	k.timers[key] = keyedEntry{timer: t, seq: seq}
}

// fire drops callbacks from timers that were replaced or cancelled after
// they had already fired.
func (k *Keyed[K]) fire(key K, seq uint64, fn func()) {
	e, ok := k.timers[key]
	if !ok || e.seq != seq {
		return
	}
	delete(k.timers, key)
	fn()
}

// Cancel disarms key. It reports whether a timer was pending.
func (k *Keyed[K]) Cancel(key K) bool {
	e, ok := k.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(k.timers, key)
	return true
}

func (k *Keyed[K]) Active(key K) bool {
	_, ok := k.timers[key]
	return ok
}

func (k *Keyed[K]) Len() int { return len(k.timers) }

// Keys returns the armed keys in no particular order.
func (k *Keyed[K]) Keys() []K {
	out := make([]K, 0, len(k.timers))
	for key := range k.timers {
		out = append(out, key)
	}
	return out
}

// Stop disarms every key.
func (k *Keyed[K]) Stop() {
	for key, e := range k.timers {
		e.timer.Stop()
		delete(k.timers, key)
	}
}
