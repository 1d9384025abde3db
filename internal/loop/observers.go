package loop

// Observers is a registry of event observers owned by the loop. Entries are
// keyed by a handle rather than by the observer value, so func adapters can
// be registered.
type Observers[O any] struct {
	next    uint64
	entries []observerEntry[O]
}

type observerEntry[O any] struct {
	id uint64
	o  O
}

// Add registers o and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (s *Observers[O]) Add(o O) (remove func()) {
	s.next++
	id := s.next
	s.entries = append(s.entries, observerEntry[O]{id: id, o: o})
	return func() {
		for i, e := range s.entries {
			if e.id == id {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of registered observers.
func (s *Observers[O]) Len() int { return len(s.entries) }

// Each calls fn for every observer in registration order. Observers added or
// removed by fn take effect from the next call.
func (s *Observers[O]) Each(fn func(O)) {
	for _, e := range s.entries {
		fn(e.o)
	}
}
