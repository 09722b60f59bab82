package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netwatch/updater/internal/deployment"
	"github.com/netwatch/updater/internal/metrics"
	"github.com/netwatch/updater/internal/storage"
)

// Process is a spawned pipeline. Wait blocks until it exits and reports the
// exit code; it must be safe to call more than once.
type Process interface {
	Wait() (int, error)
}

// Runner spawns the update pipeline for a job, streaming its combined output
// to out. Cancelling ctx stops the pipeline.
type Runner interface {
	Start(ctx context.Context, j *Job, out io.Writer) (Process, error)
}

// Snapshotter captures the deployed state around a job.
type Snapshotter interface {
	Snapshot(ctx context.Context) *deployment.Snapshot
}

type Options struct {
	Records     JobStore
	Logs        *storage.Store
	Runner      Runner
	Snapshotter Snapshotter // optional
	Metrics     *metrics.Metrics
	Instance    string
	Now         func() time.Time
}

// Manager owns job identity and the single-flight slot. Admission, state
// transitions and slot release all happen under mu, so two triggers can never
// both reach the point of spawning a pipeline.
type Manager struct {
	records  JobStore
	logs     *storage.Store
	runner   Runner
	snap     Snapshotter
	metrics  *metrics.Metrics
	instance string
	now      func() time.Time
	ids      *IDGenerator

	mu              sync.Mutex
	active          *Job
	cancel          context.CancelFunc
	cancelRequested string
	done            map[string]chan struct{}
	// terminal jobs whose record could not be written yet
	unsaved map[string]*Job
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if opts.Logs == nil {
		return nil, fmt.Errorf("log store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	floor, err := opts.Logs.MaxID()
	if err != nil {
		return nil, fmt.Errorf("scan logs: %w", err)
	}
	if recent, _ := opts.Records.List(1, 0, ""); len(recent) > 0 {
		if v, err := strconv.ParseUint(recent[0].ID, 10, 64); err == nil && v > floor {
			floor = v
		}
	}

	return &Manager{
		records:  opts.Records,
		logs:     opts.Logs,
		runner:   opts.Runner,
		snap:     opts.Snapshotter,
		metrics:  opts.Metrics,
		instance: opts.Instance,
		now:      now,
		ids:      NewIDGenerator(floor, now),
		done:     make(map[string]chan struct{}),
		unsaved:  make(map[string]*Job),
	}, nil
}

// TryStartJob admits a new update job or, if one is already queued or
// running, returns that job together with ErrAlreadyInProgress.
func (m *Manager) TryStartJob(options map[string]string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushUnsaved()
	if m.active != nil {
		m.metrics.Admission(metrics.InProgress)
		return m.active.Clone(), ErrAlreadyInProgress
	}
	if err := ValidateOptions(options); err != nil {
		m.metrics.Admission(metrics.Invalid)
		return nil, err
	}

	id := m.ids.Next()
	path, err := m.logs.Create(id)
	if err != nil {
		m.metrics.Admission(metrics.Error)
		return nil, fmt.Errorf("create job log: %w", err)
	}

	j := New(id, path, m.instance, options, m.now())
	if err := m.records.Add(j); err != nil {
		// no job exists without a record, so drop the empty log again
		os.Remove(path)
		m.metrics.Admission(metrics.Error)
		return nil, fmt.Errorf("record job: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.active = j
	m.cancel = cancel
	m.cancelRequested = ""
	m.done[id] = done
	m.metrics.Admission(metrics.Admitted)
	m.metrics.SetActive(true)

	log.WithField("job_id", id).Info("update job admitted")
	go m.run(ctx, j.Clone(), done)

	return j.Clone(), nil
}

func (m *Manager) run(ctx context.Context, j *Job, done chan struct{}) {
	defer close(done)
	logger := log.WithField("job_id", j.ID)

	if m.snap != nil {
		before := m.snap.Snapshot(ctx)
		m.update(j.ID, func(rec *Job) { rec.Before = before })
		j.Before = before
	}

	w, err := m.logs.Open(j.ID)
	if err != nil {
		logger.WithError(err).Error("cannot open job log")
		m.finish(j.ID, StateFailed, ExitUnavailable, "open log: "+err.Error())
		return
	}
	defer w.Close()

	if ctx.Err() != nil {
		fmt.Fprintf(w, "[updater] job %s cancelled before the pipeline started\n", j.ID)
		m.finish(j.ID, StateCancelled, ExitUnavailable, "cancelled")
		return
	}

	proc, err := m.runner.Start(ctx, j, w)
	if err != nil {
		logger.WithError(err).Error("update pipeline failed to start")
		fmt.Fprintf(w, "[updater] failed to start update pipeline: %v\n", err)
		m.finish(j.ID, StateFailed, ExitUnavailable, "spawn failed: "+err.Error())
		return
	}
	m.update(j.ID, func(rec *Job) { rec.State = StateRunning })
	logger.Info("update pipeline running")

	code, err := proc.Wait()

	var state State
	var reason string
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		state, reason = StateFailed, "timeout"
		fmt.Fprintf(w, "[updater] pipeline killed: %v\n", err)
	case errors.Is(err, context.Canceled):
		state, reason = StateCancelled, m.cancelReason()
		fmt.Fprintf(w, "[updater] pipeline cancelled: %s\n", reason)
	case err != nil:
		state, reason = StateFailed, err.Error()
	case code == 0:
		state = StateSucceeded
	default:
		state, reason = StateFailed, fmt.Sprintf("pipeline exited with code %d", code)
	}

	if m.snap != nil {
		after := m.snap.Snapshot(context.Background())
		m.update(j.ID, func(rec *Job) { rec.After = after })
	}

	m.finish(j.ID, state, code, reason)
}

func (m *Manager) cancelReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelRequested == "" {
		return "cancelled"
	}
	return m.cancelRequested
}

// update applies fn to the active job record and persists it.
func (m *Manager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.ID != id {
		return
	}
	fn(m.active)
	if err := m.records.Update(m.active); err != nil {
		log.WithField("job_id", id).WithError(err).Error("cannot persist job record")
	}
}

// finish records the terminal state and frees the single-flight slot.
func (m *Manager) finish(id string, state State, exitCode int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.ID != id {
		return
	}

	j := m.active
	j.finish(state, exitCode, reason, m.now())
	if err := m.records.Update(j); err != nil {
		log.WithField("job_id", id).WithError(err).Error("cannot persist terminal job record, keeping it in memory")
		m.unsaved[id] = j.Clone()
	}

	m.metrics.JobFinished(string(state), j.EndedAt.Sub(j.StartedAt))
	m.metrics.SetActive(false)
	m.cancel()
	m.active = nil
	m.cancel = nil
	delete(m.done, id)

	log.WithFields(log.Fields{
		"job_id":    id,
		"state":     state,
		"exit_code": exitCode,
	}).Info("update job finished")
}

// flushUnsaved retries writing terminal records that failed to persist.
// Callers hold mu.
func (m *Manager) flushUnsaved() {
	for id, j := range m.unsaved {
		if err := m.records.Update(j); err != nil {
			log.WithField("job_id", id).WithError(err).Warn("job record still not persisted")
			continue
		}
		delete(m.unsaved, id)
	}
}

func (m *Manager) GetJob(id string) (*Job, error) {
	if !storage.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	m.mu.Lock()
	if m.active != nil && m.active.ID == id {
		j := m.active.Clone()
		m.mu.Unlock()
		return j, nil
	}
	m.flushUnsaved()
	if j, ok := m.unsaved[id]; ok {
		m.mu.Unlock()
		return j.Clone(), nil
	}
	m.mu.Unlock()

	return m.records.Get(id)
}

// ListJobs returns every known job, most recent first, without log content.
func (m *Manager) ListJobs() []*Job {
	jobs, _ := m.records.List(0, 0, "")

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range jobs {
		if u, ok := m.unsaved[j.ID]; ok {
			jobs[i] = u.Clone()
		}
	}
	return jobs
}

// Stats counts known jobs by state.
func (m *Manager) Stats() map[State]int {
	return m.records.Stats()
}

func (m *Manager) Instance() string {
	return m.instance
}

// Active returns the job currently holding the single-flight slot, if any.
func (m *Manager) Active() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Clone()
}

// Cancel stops the active job. The pipeline receives SIGTERM and the job ends
// in the cancelled state once the process is gone.
func (m *Manager) Cancel(id string) (*Job, error) {
	return m.cancelWithReason(id, "cancelled by operator")
}

func (m *Manager) cancelWithReason(id, reason string) (*Job, error) {
	m.mu.Lock()
	if m.active == nil || m.active.ID != id {
		m.mu.Unlock()
		j, err := m.GetJob(id)
		if err != nil {
			return nil, err
		}
		return j, ErrNotActive
	}
	if m.cancelRequested == "" {
		m.cancelRequested = reason
	}
	cancel := m.cancel
	j := m.active.Clone()
	m.mu.Unlock()

	log.WithField("job_id", id).Warn("cancelling update job: " + reason)
	cancel()
	return j, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	done, ok := m.done[id]
	m.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetJob(id)
}

// Recover fails jobs left queued or running by a previous orchestrator
// process. Their pipelines are no longer supervised, so their outcome is
// unknown.
func (m *Manager) Recover() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushUnsaved()

	var recovered int
	for _, state := range []State{StateQueued, StateRunning} {
		jobs, _ := m.records.List(0, 0, state)
		for _, j := range jobs {
			if j.Instance == m.instance {
				continue
			}
			msg := "[updater] orchestrator restarted while this job was active; outcome unknown\n"
			if err := m.logs.Append(j.ID, []byte(msg)); err != nil {
				log.WithField("job_id", j.ID).WithError(err).Warn("cannot append recovery marker")
			}
			j.finish(StateFailed, ExitUnavailable, "interrupted", m.now())
			if err := m.records.Update(j); err != nil {
				return recovered, fmt.Errorf("recover job %s: %w", j.ID, err)
			}
			log.WithField("job_id", j.ID).Warn("marked interrupted update job as failed")
			recovered++
		}
	}
	return recovered, nil
}

// Shutdown cancels the active job, if any, and waits for it to finish so
// that no pipeline outlives its supervisor.
func (m *Manager) Shutdown(ctx context.Context) error {
	active := m.Active()
	if active == nil {
		return nil
	}
	if _, err := m.cancelWithReason(active.ID, "orchestrator shutdown"); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	if _, err := m.Wait(ctx, active.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushUnsaved()
	if n := len(m.unsaved); n > 0 {
		return fmt.Errorf("%d terminal job records not persisted", n)
	}
	return nil
}
