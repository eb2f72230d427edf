package teardown

import "github.com/benbjohnson/immutable"

// depSet accumulates dependency paths across a teardown run as an
// ordered set: first-seen order is preserved and a path contributed by
// several siblings is released exactly once.
type depSet struct {
	order *immutable.List[string]
	seen  *immutable.Map[string, struct{}]
}

func newDepSet() *depSet {
	return &depSet{
		order: immutable.NewList[string](),
		seen:  immutable.NewMap[string, struct{}](nil),
	}
}

// Add records paths not seen before, keeping insertion order.
func (s *depSet) Add(paths ...string) {
	for _, p := range paths {
		if _, ok := s.seen.Get(p); ok {
			continue
		}
		s.order = s.order.Append(p)
		s.seen = s.seen.Set(p, struct{}{})
	}
}

// Paths returns the accumulated paths in first-seen order.
func (s *depSet) Paths() []string {
	paths := make([]string, 0, s.order.Len())
	itr := s.order.Iterator()
	for !itr.Done() {
		_, p := itr.Next()
		paths = append(paths, p)
	}
	return paths
}

func (s *depSet) Len() int {
	return s.order.Len()
}
