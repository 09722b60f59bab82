package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwatch/updater/internal/job"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "update.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newRunner(t *testing.T, body string, mod func(*Config)) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		DeployRoot: root,
		Script:     writeScript(t, root, body),
		Shell:      "/bin/sh",
		KillGrace:  500 * time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r, root
}

func testJob(opts map[string]string) *job.Job {
	return job.New("1700000000000", "/var/log/updates/update-1700000000000.log", "test", opts, time.Now())
}

func TestRun_Success(t *testing.T) {
	r, root := newRunner(t, `echo "job=$UPDATER_JOB_ID port=$API_PORT"; pwd; echo "==> update complete"`, nil)

	var out bytes.Buffer
	code, err := r.Run(context.Background(), testJob(map[string]string{"API_PORT": "4000"}), &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	resolved, _ := filepath.EvalSymlinks(root)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "job=1700000000000 port=4000", lines[0])
	assert.Contains(t, []string{root, resolved}, lines[1])
	assert.Equal(t, "==> update complete", lines[2])
}

func TestRun_NonZeroExit(t *testing.T) {
	r, _ := newRunner(t, `echo "health check failed, rolling back"; exit 3`, nil)

	var out bytes.Buffer
	code, err := r.Run(context.Background(), testJob(nil), &out)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "rolling back")
}

func TestRun_CombinedOutputOrder(t *testing.T) {
	r, _ := newRunner(t, `echo one; echo two 1>&2; echo three; echo four 1>&2`, nil)

	var out bytes.Buffer
	_, err := r.Run(context.Background(), testJob(nil), &out)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", out.String())
}

func TestRun_RelativeScript(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "echo relative")

	r, err := New(Config{DeployRoot: root, Script: "update.sh", Shell: "/bin/sh"})
	require.NoError(t, err)

	var out bytes.Buffer
	code, err := r.Run(context.Background(), testJob(nil), &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "relative\n", out.String())
}

func TestStart_MissingScript(t *testing.T) {
	r, err := New(Config{DeployRoot: t.TempDir(), Script: "missing.sh", Shell: "/bin/sh"})
	require.NoError(t, err)

	_, err = r.Start(context.Background(), testJob(nil), &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrSpawn), "expected ErrSpawn, got %v", err)

	code, err := r.Run(context.Background(), testJob(nil), &bytes.Buffer{})
	assert.Equal(t, job.ExitUnavailable, code)
	assert.Error(t, err)
}

func TestStart_NotExecutable(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "update.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0644))

	r, err := New(Config{DeployRoot: root, Script: path})
	require.NoError(t, err)

	_, err = r.Start(context.Background(), testJob(nil), &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrSpawn), "expected ErrSpawn, got %v", err)
}

func TestRun_Timeout(t *testing.T) {
	r, _ := newRunner(t, `echo started; sleep 30`, func(c *Config) {
		c.Timeout = 200 * time.Millisecond
	})

	start := time.Now()
	var out bytes.Buffer
	_, err := r.Run(context.Background(), testJob(nil), &out)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline error, got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "started\n", out.String())
}

func TestRun_Cancel(t *testing.T) {
	r, _ := newRunner(t, `sleep 30`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := r.Start(ctx, testJob(nil), &bytes.Buffer{})
	require.NoError(t, err)

	cancel()
	_, err = p.Wait()
	assert.True(t, errors.Is(err, context.Canceled), "expected canceled, got %v", err)
}

func TestRun_KillAfterGrace(t *testing.T) {
	// ignored signals are inherited, so sleep ignores SIGTERM too
	r, _ := newRunner(t, `trap '' TERM; sleep 30`, func(c *Config) {
		c.KillGrace = 300 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	p, err := r.Start(ctx, testJob(nil), &bytes.Buffer{})
	require.NoError(t, err)

	start := time.Now()
	cancel()
	code, err := p.Wait()
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, job.ExitUnavailable, code)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestWait_ObservedOnce(t *testing.T) {
	r, _ := newRunner(t, `exit 7`, nil)

	p, err := r.Start(context.Background(), testJob(nil), &bytes.Buffer{})
	require.NoError(t, err)

	code1, err1 := p.Wait()
	code2, err2 := p.Wait()
	assert.Equal(t, 7, code1)
	assert.Equal(t, code1, code2)
	assert.Equal(t, err1, err2)
}

func TestEnv_OptionsOverrideParent(t *testing.T) {
	t.Setenv("COMPOSE_PROFILES", "parent")
	r, _ := newRunner(t, `echo "$COMPOSE_PROFILES"`, nil)

	var out bytes.Buffer
	_, err := r.Run(context.Background(), testJob(map[string]string{"COMPOSE_PROFILES": "traffic"}), &out)
	require.NoError(t, err)
	assert.Equal(t, "traffic\n", out.String())
}
