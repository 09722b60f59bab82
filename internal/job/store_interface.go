package job

// JobStore defines the interface for job record storage (both in-memory and persistent).
// Implementations hand out copies; mutating a returned job does not change the store.
type JobStore interface {
	Add(j *Job) error
	Get(id string) (*Job, error)
	Update(j *Job) error
	// List returns jobs most recent first. A limit <= 0 means no limit and an
	// empty state matches every job.
	List(limit, offset int, state State) ([]*Job, int)
	Stats() map[State]int
}
