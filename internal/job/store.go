package job

import (
	"fmt"
	"sync"
)

type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // admission order
}

func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
	}
}

func (s *Store) Add(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job already exists: %s", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	s.order = append(s.order, j.ID)
	return nil
}

func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *Store) Update(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) List(limit, offset int, state State) ([]*Job, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Job
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if state == "" || j.State == state {
			filtered = append(filtered, j.Clone())
		}
	}
	return page(filtered, limit, offset)
}

func (s *Store) Stats() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[State]int)
	for _, j := range s.jobs {
		stats[j.State]++
	}
	return stats
}

func page(jobs []*Job, limit, offset int) ([]*Job, int) {
	total := len(jobs)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*Job{}, total
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return jobs[offset:end], total
}
