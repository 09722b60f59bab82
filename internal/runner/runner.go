package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netwatch/updater/internal/job"
)

var ErrSpawn = errors.New("cannot spawn pipeline")

type Config struct {
	DeployRoot string
	Script     string
	// Shell runs the script when set; otherwise the script is executed directly.
	Shell     string
	Timeout   time.Duration
	KillGrace time.Duration
}

// Runner executes the external update pipeline. It only supervises the
// process: backup, fetch, rebuild, restart, health check and rollback are the
// pipeline's own business.
type Runner struct {
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	root, err := filepath.Abs(cfg.DeployRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve deploy root: %w", err)
	}
	cfg.DeployRoot = root

	if !filepath.IsAbs(cfg.Script) {
		cfg.Script = filepath.Join(root, cfg.Script)
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	return &Runner{cfg: cfg}, nil
}

// Run spawns the pipeline for j and blocks until it exits.
func (r *Runner) Run(ctx context.Context, j *job.Job, out io.Writer) (int, error) {
	p, err := r.Start(ctx, j, out)
	if err != nil {
		return job.ExitUnavailable, err
	}
	return p.Wait()
}

// Start spawns the pipeline with the deployment root as working directory.
// stdout and stderr share one pipe, so out receives them in arrival order.
func (r *Runner) Start(ctx context.Context, j *job.Job, out io.Writer) (job.Process, error) {
	if _, err := os.Stat(r.cfg.Script); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	var cmd *exec.Cmd
	if r.cfg.Shell != "" {
		cmd = exec.Command(r.cfg.Shell, r.cfg.Script)
	} else {
		cmd = exec.Command(r.cfg.Script)
	}
	cmd.Dir = r.cfg.DeployRoot
	cmd.Env = r.env(j)
	cmd.Stdout = out
	cmd.Stderr = out
	// bounds the wait for pipes held open by detached grandchildren
	cmd.WaitDelay = r.cfg.KillGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	log.WithFields(log.Fields{
		"job_id": j.ID,
		"pid":    cmd.Process.Pid,
		"script": r.cfg.Script,
	}).Debug("pipeline spawned")

	p := &process{
		cmd:     cmd,
		exited:  make(chan struct{}),
		timeout: r.cfg.Timeout,
	}
	go p.supervise(ctx, r.cfg.Timeout, r.cfg.KillGrace)
	return p, nil
}

// env is the parent environment plus the job's identity and pass-through
// options. Options are applied last so they override inherited values.
func (r *Runner) env(j *job.Job) []string {
	env := os.Environ()
	env = append(env,
		"UPDATER_JOB_ID="+j.ID,
		"UPDATER_LOG_FILE="+j.LogPath,
		"UPDATER_DEPLOY_ROOT="+r.cfg.DeployRoot,
	)

	keys := make([]string, 0, len(j.Options))
	for k := range j.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+j.Options[k])
	}
	return env
}

type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	timeout time.Duration

	timedOut  atomic.Bool
	cancelled atomic.Bool

	once sync.Once
	code int
	err  error
}

// supervise stops the process group when ctx is cancelled or the timeout
// fires: SIGTERM first, SIGKILL after grace.
func (p *process) supervise(ctx context.Context, timeout, grace time.Duration) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	var timedOut bool
	select {
	case <-p.exited:
		return
	case <-ctx.Done():
	case <-deadline:
		timedOut = true
	}

	// never signal the group of a pipeline that has already been reaped
	select {
	case <-p.exited:
		return
	default:
	}
	if timedOut {
		p.timedOut.Store(true)
	} else {
		p.cancelled.Store(true)
	}

	terminate(p.cmd)
	select {
	case <-p.exited:
	case <-time.After(grace):
		kill(p.cmd)
	}
}

// Wait observes the exit status exactly once; later calls return the same
// result.
func (p *process) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		close(p.exited)

		p.code = job.ExitUnavailable
		if ps := p.cmd.ProcessState; ps != nil {
			p.code = ps.ExitCode()
		}

		var exitErr *exec.ExitError
		switch {
		case p.timedOut.Load():
			p.err = fmt.Errorf("pipeline exceeded timeout of %s: %w", p.timeout, context.DeadlineExceeded)
		case p.cancelled.Load():
			p.err = fmt.Errorf("pipeline stopped: %w", context.Canceled)
		case err == nil, errors.As(err, &exitErr), errors.Is(err, exec.ErrWaitDelay):
			// the exit code carries the outcome
		default:
			p.err = fmt.Errorf("wait for pipeline: %w", err)
		}
	})
	return p.code, p.err
}
