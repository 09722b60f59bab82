package job

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netwatch/updater/internal/deployment"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Active reports whether a job in this state holds the single-flight slot.
func (s State) Active() bool {
	return s == StateQueued || s == StateRunning
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ExitUnavailable is recorded when the pipeline never produced an exit status
// of its own: spawn failure, kill by signal, or orchestrator restart.
const ExitUnavailable = -1

const maxOptions = 64

var (
	ErrAlreadyInProgress = errors.New("update already in progress")
	ErrNotFound          = errors.New("job not found")
	ErrNotActive         = errors.New("job is not active")
	ErrInvalidOptions    = errors.New("invalid options")
)

var optionKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

type Job struct {
	ID        string            `json:"id"`
	State     State             `json:"state"`
	Options   map[string]string `json:"options,omitempty"`
	LogPath   string            `json:"logfile"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Error     string            `json:"error,omitempty"`
	Instance  string            `json:"instance,omitempty"` // orchestrator process that admitted the job

	Before *deployment.Snapshot `json:"before,omitempty"`
	After  *deployment.Snapshot `json:"after,omitempty"`
}

func New(id, logPath, instance string, options map[string]string, now time.Time) *Job {
	return &Job{
		ID:        id,
		State:     StateQueued,
		Options:   options,
		LogPath:   logPath,
		StartedAt: now.UTC(),
		Instance:  instance,
	}
}

// Clone returns a deep copy so callers never share mutable state with the
// manager.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Options != nil {
		c.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	c.Before = j.Before.Clone()
	c.After = j.After.Clone()
	return &c
}

func (j *Job) finish(state State, exitCode int, reason string, now time.Time) {
	t := now.UTC()
	j.State = state
	j.EndedAt = &t
	j.ExitCode = &exitCode
	j.Error = reason
}

// ValidateOptions checks pass-through pipeline parameters. They end up in the
// pipeline's environment, so keys must look like environment variable names.
func ValidateOptions(opts map[string]string) error {
	if len(opts) > maxOptions {
		return fmt.Errorf("%w: at most %d options allowed", ErrInvalidOptions, maxOptions)
	}
	for k, v := range opts {
		if !optionKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: key %q must match %s", ErrInvalidOptions, k, optionKeyPattern)
		}
		if strings.ContainsAny(v, "\x00\n\r") {
			return fmt.Errorf("%w: value of %s contains a control character", ErrInvalidOptions, k)
		}
	}
	return nil
}

// IDGenerator hands out timestamp-derived ids that strictly increase, even
// when the clock stalls or steps backwards.
type IDGenerator struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewIDGenerator returns a generator whose ids are all greater than floor.
func NewIDGenerator(floor uint64, now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{last: floor, now: now}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := uint64(g.now().UnixMilli())
	if v <= g.last {
		v = g.last + 1
	}
	g.last = v
	return strconv.FormatUint(v, 10)
}

// idLess orders numeric ids of any length.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
