package eventstream

import "sync"

const (
	seenCap  = 1000
	seenKeep = 500
)

// seenSet is a bounded dedup set over event keys. When it exceeds
// seenCap entries it is trimmed to the most recent seenKeep, so a
// long-running connection cannot grow without bound while bursts still
// deduplicate.
type seenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	cap   int
	keep  int
}

func newSeenSet() *seenSet {
	return &seenSet{
		keys: make(map[string]struct{}),
		cap:  seenCap,
		keep: seenKeep,
	}
}

// CheckAndMark returns true if the key was already seen; otherwise it
// records the key and returns false.
func (s *seenSet) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return true
	}

	s.keys[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) > s.cap {
		drop := len(s.order) - s.keep
		for _, old := range s.order[:drop] {
			delete(s.keys, old)
		}
		s.order = append(s.order[:0:0], s.order[drop:]...)
	}

	return false
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
