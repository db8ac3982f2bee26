package bridge

import (
	"sort"
	"sync"
)

// ThreadStore holds the bridge-side view of threads. Every read returns a
// deep copy so callers can never mutate shared state.
type ThreadStore struct {
	mu      sync.RWMutex
	threads map[string]Thread
}

func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: make(map[string]Thread)}
}

func (s *ThreadStore) Get(id string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return Thread{}, false
	}
	return th.Clone(), true
}

func (s *ThreadStore) Put(th Thread) {
	if th.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[th.ID] = th.Clone()
}

func (s *ThreadStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
}

// Snapshot returns copies of all threads, newest first.
func (s *ThreadStore) Snapshot() []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Thread, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *ThreadStore) List() []ThreadSummary {
	threads := s.Snapshot()
	out := make([]ThreadSummary, 0, len(threads))
	for _, th := range threads {
		out = append(out, th.Summary())
	}
	return out
}

func (s *ThreadStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}
