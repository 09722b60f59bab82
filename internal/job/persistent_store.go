package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/netwatch/updater/internal/db"
)

const keyPrefix = "jobs/"

// PersistentStore keeps job records in badger so state survives an
// orchestrator restart. Logs stay on the filesystem; only metadata lives here.
type PersistentStore struct {
	dbStore *db.Store
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func (s *PersistentStore) put(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.dbStore.Set(keyPrefix+j.ID, data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (s *PersistentStore) Add(j *Job) error {
	if _, err := s.dbStore.Get(keyPrefix + j.ID); err == nil {
		return fmt.Errorf("job already exists: %s", j.ID)
	}
	return s.put(j)
}

func (s *PersistentStore) Get(id string) (*Job, error) {
	data, err := s.dbStore.Get(keyPrefix + id)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

func (s *PersistentStore) Update(j *Job) error {
	if _, err := s.Get(j.ID); err != nil {
		return err
	}
	return s.put(j)
}

func (s *PersistentStore) all() ([]*Job, error) {
	var jobs []*Job
	err := s.dbStore.Scan(keyPrefix, func(key string, value []byte) error {
		var j Job
		if err := json.Unmarshal(value, &j); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		jobs = append(jobs, &j)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// keys sort lexically; ids must sort numerically
	sort.Slice(jobs, func(a, b int) bool {
		return idLess(jobs[b].ID, jobs[a].ID)
	})
	return jobs, nil
}

func (s *PersistentStore) List(limit, offset int, state State) ([]*Job, int) {
	jobs, err := s.all()
	if err != nil {
		return []*Job{}, 0
	}

	filtered := jobs[:0]
	for _, j := range jobs {
		if state == "" || j.State == state {
			filtered = append(filtered, j)
		}
	}
	return page(filtered, limit, offset)
}

func (s *PersistentStore) Stats() map[State]int {
	stats := make(map[State]int)
	jobs, err := s.all()
	if err != nil {
		return stats
	}
	for _, j := range jobs {
		stats[j.State]++
	}
	return stats
}
