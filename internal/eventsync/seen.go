package eventsync

import "container/list"

// DefaultDedupeCapacity bounds the recency set of applied event ids.
const DefaultDedupeCapacity = 2000

// recencySet remembers the most recent event ids, evicting the oldest
// once capacity is reached. Not safe for concurrent use.
type recencySet struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newRecencySet(capacity int) *recencySet {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &recencySet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (s *recencySet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add records id as most recent. Re-adding an id refreshes it.
func (s *recencySet) Add(id string) {
	if id == "" {
		return
	}
	if el, ok := s.index[id]; ok {
		s.order.MoveToBack(el)
		return
	}
	s.index[id] = s.order.PushBack(id)
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
}

func (s *recencySet) Len() int {
	return s.order.Len()
}
